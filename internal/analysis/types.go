// Package analysis runs the framesmith helper module (doctor probe, content
// safety analysis and face detection) as a Python subprocess.
package analysis

import (
	"image"
	"time"

	"github.com/framesmith/framesmith-agent/internal/faces"
)

// Capabilities represents what the installed helper module can do,
// as reported by the `doctor --json` command.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	Executables    map[string]DepInfo `json:"executables"`
	GPU            GPUInfo            `json:"gpu"`
	Summary        SummaryInfo        `json:"summary"`
	Helpers        HelpersInfo        `json:"helpers"`

	HasContentCheck bool      `json:"has_content_check"`
	HasFaces        bool      `json:"has_faces"`
	HasEncoder      bool      `json:"has_encoder"`
	ProbedAt        time.Time `json:"probed_at"`
}

// HelpersInfo reports per-helper availability from doctor JSON.
type HelpersInfo struct {
	Content bool `json:"content"`
	Faces   bool `json:"faces"`
}

type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo represents the availability status of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult is the structured outcome of executing a helper subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// HelperOutput holds the metadata fields every helper JSON output carries.
type HelperOutput struct {
	SchemaVersion string `json:"schema_version"`
	HelperVersion string `json:"helper_version"`
	ModelVersion  string `json:"model_version"`
}

// RequiredFieldsPresent checks the fields the agent insists on.
func (p HelperOutput) RequiredFieldsPresent() bool {
	return p.SchemaVersion != "" && p.HelperVersion != "" && p.ModelVersion != ""
}

// Verdict is the result of content safety analysis.
type Verdict struct {
	HelperOutput
	Flagged bool    `json:"flagged"`
	Score   float64 `json:"score"`
}

type faceOutput struct {
	HelperOutput
	Faces []detectedFace `json:"faces"`
}

type detectedFace struct {
	Box       [4]int    `json:"box"`
	Landmarks [][2]int  `json:"landmarks"`
	Embedding []float64 `json:"embedding"`
	Score     float64   `json:"score"`
	Age       int       `json:"age"`
	Gender    string    `json:"gender"`
}

func (d detectedFace) toFace() faces.Face {
	f := faces.Face{
		Box:       image.Rect(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
		Embedding: d.Embedding,
		Score:     d.Score,
		Age:       d.Age,
		Gender:    d.Gender,
	}
	for _, p := range d.Landmarks {
		f.Landmarks = append(f.Landmarks, image.Pt(p[0], p[1]))
	}
	return f
}
