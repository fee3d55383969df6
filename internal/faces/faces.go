// Package faces defines the face type exchanged between detectors and
// processors, face selection and the reference face store.
package faces

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
)

// Face is produced by a Detector and passed opaquely to processors.
type Face struct {
	Box       image.Rectangle `json:"box"`
	Landmarks []image.Point   `json:"landmarks,omitempty"`
	Embedding []float64       `json:"embedding,omitempty"`
	Score     float64         `json:"score"`
	Age       int             `json:"age,omitempty"`
	Gender    string          `json:"gender,omitempty"`
}

// Detector finds faces in a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Face, error)
}

// NopDetector never finds a face.
type NopDetector struct{}

func (NopDetector) Detect(context.Context, image.Image) ([]Face, error) { return nil, nil }

// SelectorMode decides which detected faces a processor acts on.
type SelectorMode string

const (
	SelectMany      SelectorMode = "many"
	SelectOne       SelectorMode = "one"
	SelectReference SelectorMode = "reference"
)

func ParseSelectorMode(s string) (SelectorMode, error) {
	switch SelectorMode(s) {
	case SelectMany, SelectOne, SelectReference:
		return SelectorMode(s), nil
	default:
		return "", fmt.Errorf("unknown face selector mode %q", s)
	}
}

// Sort orders faces left to right, then top to bottom.
func Sort(faces []Face) []Face {
	out := append([]Face(nil), faces...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Box.Min.X != out[j].Box.Min.X {
			return out[i].Box.Min.X < out[j].Box.Min.X
		}
		return out[i].Box.Min.Y < out[j].Box.Min.Y
	})
	return out
}

// At returns the face at position after sorting, falling back to the last
// face when position is out of range.
func At(faces []Face, position int) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	sorted := Sort(faces)
	if position < 0 || position >= len(sorted) {
		position = len(sorted) - 1
	}
	return sorted[position], true
}

// Select applies mode to the detected faces. In reference mode a face is
// kept when its distance to any reference face is below maxDistance.
func Select(detected []Face, mode SelectorMode, references []Face, maxDistance float64) []Face {
	switch mode {
	case SelectOne:
		if f, ok := At(detected, 0); ok {
			return []Face{f}
		}
		return nil
	case SelectReference:
		return FindSimilar(detected, references, maxDistance)
	default:
		return Sort(detected)
	}
}

// FindSimilar returns the detected faces close to at least one reference.
func FindSimilar(detected, references []Face, maxDistance float64) []Face {
	var out []Face
	for _, f := range Sort(detected) {
		for _, ref := range references {
			if Distance(f, ref) < maxDistance {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Distance is one minus the cosine similarity of the embeddings. Faces
// without comparable embeddings are infinitely far apart.
func Distance(a, b Face) float64 {
	if len(a.Embedding) == 0 || len(a.Embedding) != len(b.Embedding) {
		return math.Inf(1)
	}
	var dot, na, nb float64
	for i := range a.Embedding {
		dot += a.Embedding[i] * b.Embedding[i]
		na += a.Embedding[i] * a.Embedding[i]
		nb += b.Embedding[i] * b.Embedding[i]
	}
	if na == 0 || nb == 0 {
		return math.Inf(1)
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Average returns the first face with its embedding replaced by the mean
// embedding of all faces.
func Average(faces []Face) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	out := faces[0]
	dim := len(out.Embedding)
	if dim == 0 {
		return out, true
	}
	mean := make([]float64, dim)
	n := 0
	for _, f := range faces {
		if len(f.Embedding) != dim {
			continue
		}
		for i, v := range f.Embedding {
			mean[i] += v
		}
		n++
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	out.Embedding = mean
	return out, true
}

// References caches reference faces by name (a processor name or "origin")
// so every frame reuses them without redetecting.
type References struct {
	mu    sync.RWMutex
	faces map[string][]Face
}

func NewReferences() *References {
	return &References{faces: make(map[string][]Face)}
}

func (r *References) Append(name string, face Face) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faces[name] = append(r.faces[name], face)
}

// Get returns the faces stored under name.
func (r *References) Get(name string) []Face {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Face(nil), r.faces[name]...)
}

// All returns every stored reference face.
func (r *References) All() []Face {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Face
	names := make([]string, 0, len(r.faces))
	for name := range r.faces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, r.faces[name]...)
	}
	return out
}

func (r *References) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.faces) == 0
}

func (r *References) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faces = make(map[string][]Face)
}
