package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/framesmith/framesmith-agent/internal/state"
)

// Profile holds the processing defaults seeded into the shared state store.
type Profile struct {
	Processors            []string         `yaml:"processors"`
	FaceSelectorMode      string           `yaml:"face_selector_mode"`
	FaceSelectorDistance  float64          `yaml:"face_selector_distance"`
	ReferenceFacePosition int              `yaml:"reference_face_position"`
	ReferenceFrameNumber  int              `yaml:"reference_frame_number"`
	TempFrameFormat       string           `yaml:"temp_frame_format"`
	KeepTemp              bool             `yaml:"keep_temp"`
	OutputImageQuality    int              `yaml:"output_image_quality"`
	OutputImageResolution string           `yaml:"output_image_resolution,omitempty"`
	OutputVideoEncoder    string           `yaml:"output_video_encoder"`
	OutputVideoPreset     string           `yaml:"output_video_preset"`
	OutputVideoQuality    int              `yaml:"output_video_quality"`
	OutputVideoResolution string           `yaml:"output_video_resolution,omitempty"`
	OutputVideoFPS        float64          `yaml:"output_video_fps,omitempty"`
	SkipAudio             bool             `yaml:"skip_audio"`
	Processor             map[string]any   `yaml:"processor,omitempty"` // processor specific keys, e.g. face_blur_amount
	Execution             ExecutionProfile `yaml:"execution"`
}

// ExecutionProfile mirrors Execution for the profile file.
type ExecutionProfile struct {
	DeviceID            string   `yaml:"device_id"`
	Providers           []string `yaml:"providers"`
	ThreadCount         int      `yaml:"thread_count"`
	QueueCount          int      `yaml:"queue_count"`
	SessionConcurrency  int      `yaml:"session_concurrency"`
	VideoMemoryStrategy string   `yaml:"video_memory_strategy"`
}

// DefaultProfile returns the defaults used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Processors:           []string{"frame_sharpener"},
		FaceSelectorMode:     "reference",
		FaceSelectorDistance: 0.6,
		TempFrameFormat:      "png",
		OutputImageQuality:   80,
		OutputVideoEncoder:   "libx264",
		OutputVideoPreset:    "veryfast",
		OutputVideoQuality:   80,
	}
}

// LoadProfile reads and parses a YAML profile file over the defaults
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return profile, nil
}

// Validate checks enumerated and ranged fields.
func (p *Profile) Validate() error {
	switch p.FaceSelectorMode {
	case "many", "one", "reference":
	default:
		return fmt.Errorf("face_selector_mode %q not one of many, one, reference", p.FaceSelectorMode)
	}
	switch strings.ToLower(p.TempFrameFormat) {
	case "png", "jpg", "bmp":
	default:
		return fmt.Errorf("temp_frame_format %q not one of png, jpg, bmp", p.TempFrameFormat)
	}
	if p.OutputImageQuality < 0 || p.OutputImageQuality > 100 {
		return fmt.Errorf("output_image_quality must be within 0..100 (got %d)", p.OutputImageQuality)
	}
	if p.OutputVideoQuality < 0 || p.OutputVideoQuality > 100 {
		return fmt.Errorf("output_video_quality must be within 0..100 (got %d)", p.OutputVideoQuality)
	}
	if p.Execution.VideoMemoryStrategy != "" && !isMemoryStrategy(p.Execution.VideoMemoryStrategy) {
		return fmt.Errorf("execution.video_memory_strategy %q not one of strict, moderate, tolerant", p.Execution.VideoMemoryStrategy)
	}
	return nil
}

// Args flattens the profile into state store items.
func (p *Profile) Args() state.Args {
	args := state.Args{
		state.KeyProcessors:            append([]string(nil), p.Processors...),
		state.KeyFaceSelectorMode:      p.FaceSelectorMode,
		state.KeyFaceSelectorDistance:  p.FaceSelectorDistance,
		state.KeyReferenceFacePosition: p.ReferenceFacePosition,
		state.KeyReferenceFrameNumber:  p.ReferenceFrameNumber,
		state.KeyTempFrameFormat:       strings.ToLower(p.TempFrameFormat),
		state.KeyKeepTemp:              p.KeepTemp,
		state.KeyOutputImageQuality:    p.OutputImageQuality,
		state.KeyOutputImageResolution: p.OutputImageResolution,
		state.KeyOutputVideoEncoder:    p.OutputVideoEncoder,
		state.KeyOutputVideoPreset:     p.OutputVideoPreset,
		state.KeyOutputVideoQuality:    p.OutputVideoQuality,
		state.KeyOutputVideoResolution: p.OutputVideoResolution,
		state.KeyOutputVideoFPS:        p.OutputVideoFPS,
		state.KeySkipAudio:             p.SkipAudio,
	}
	for k, v := range p.Processor {
		args[k] = v
	}
	return args
}

// ExecutionArgs flattens an execution bundle into state store items.
func ExecutionArgs(e Execution) state.Args {
	return state.Args{
		state.KeyExecutionDeviceID:    e.DeviceID,
		state.KeyExecutionProviders:   append([]string(nil), e.Providers...),
		state.KeyExecutionThreadCount: e.ThreadCount,
		state.KeyExecutionQueueCount:  e.QueueCount,
		state.KeyVideoMemoryStrategy:  e.MemoryStrategy,
	}
}
