package inference

import "fmt"

// MemoryStrategy controls how eagerly pools are released between
// processing units.
type MemoryStrategy string

const (
	// Strict clears every processor's pool after each job.
	Strict MemoryStrategy = "strict"
	// Moderate clears only the pools of processors that ran.
	Moderate MemoryStrategy = "moderate"
	// Tolerant never clears automatically.
	Tolerant MemoryStrategy = "tolerant"
)

func ParseMemoryStrategy(s string) (MemoryStrategy, error) {
	switch MemoryStrategy(s) {
	case Strict, Moderate, Tolerant:
		return MemoryStrategy(s), nil
	case "":
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown video memory strategy %q", s)
	}
}

// Clears reports whether a processor's pool is released after a job.
func (s MemoryStrategy) Clears(active bool) bool {
	switch s {
	case Strict:
		return true
	case Moderate:
		return active
	default:
		return false
	}
}
