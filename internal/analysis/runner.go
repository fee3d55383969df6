package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// Runner executes helper module commands as subprocesses.
type Runner interface {
	// RunDoctor executes `python -m <module> doctor --json --out <path>` and
	// returns parsed capabilities.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	// CheckContent runs content safety analysis on an image or video.
	CheckContent(ctx context.Context, mediaPath string) (*Verdict, error)

	// DetectFaces runs face detection on a single image file.
	DetectFaces(ctx context.Context, imagePath string) ([]faces.Face, error)
}

// Config holds the runner's configuration.
type Config struct {
	PythonPath     string        // path to python binary; empty = auto-detect
	ModuleName     string        // default "framesmith_helpers"
	WorkDir        string        // scratch dir for helper outputs
	DoctorTimeout  time.Duration // timeout for doctor command
	ContentTimeout time.Duration // timeout for content analysis
	FacesTimeout   time.Duration // timeout for a single face detection
	Logger         *slog.Logger
	DebugPaths     bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:     "framesmith_helpers",
		WorkDir:        filepath.Join(dataDir, "analysis"),
		DoctorTimeout:  30 * time.Second,
		ContentTimeout: 10 * time.Minute,
		FacesTimeout:   time.Minute,
		Logger:         logger,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg    Config
	python string // resolved python path
}

// NewRunner creates a SubprocessRunner, resolving the Python binary path.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create analysis work dir: %w", err)
	}

	cfg.Logger.Info("analysis runner initialised",
		"python", python,
		"module", cfg.ModuleName,
		"work_dir", cfg.WorkDir,
	)

	return &SubprocessRunner{cfg: cfg, python: python}, nil
}

// RunDoctor probes the installed helper environment.
func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(r.cfg.WorkDir, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	result := r.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}
	deriveCapabilities(&caps)

	r.cfg.Logger.Info("doctor probe complete",
		"content_check", caps.HasContentCheck,
		"faces", caps.HasFaces,
		"encoder", caps.HasEncoder,
		"deps_available", caps.Summary.Available,
		"deps_total", caps.Summary.Total,
	)

	return &caps, nil
}

func deriveCapabilities(caps *Capabilities) {
	caps.HasContentCheck = caps.Helpers.Content && isAvailable(caps.Dependencies, "onnxruntime")
	caps.HasFaces = caps.Helpers.Faces &&
		isAvailable(caps.Dependencies, "cv2") &&
		isAvailable(caps.Dependencies, "onnxruntime")
	caps.HasEncoder = isAvailable(caps.Executables, "ffmpeg")
	caps.ProbedAt = time.Now()
}

// CheckContent runs `content check --input <path> --out <json>`.
func (r *SubprocessRunner) CheckContent(ctx context.Context, mediaPath string) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ContentTimeout)
	defer cancel()

	outPath := r.scratchPath("content")
	defer os.Remove(outPath)

	result := r.exec(ctx, outPath, "content", "check", "--input", mediaPath, "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("content check exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	var verdict Verdict
	if err := r.readOutput(outPath, &verdict, &verdict.HelperOutput); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// DetectFaces runs `faces detect --image <path> --out <json>`.
func (r *SubprocessRunner) DetectFaces(ctx context.Context, imagePath string) ([]faces.Face, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FacesTimeout)
	defer cancel()

	outPath := r.scratchPath("faces")
	defer os.Remove(outPath)

	result := r.exec(ctx, outPath, "faces", "detect", "--image", imagePath, "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("face detection exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	var out faceOutput
	if err := r.readOutput(outPath, &out, &out.HelperOutput); err != nil {
		return nil, err
	}
	detected := make([]faces.Face, 0, len(out.Faces))
	for _, f := range out.Faces {
		detected = append(detected, f.toFace())
	}
	return detected, nil
}

// readOutput decodes a helper JSON output and checks the required metadata.
func (r *SubprocessRunner) readOutput(path string, into any, meta *HelperOutput) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read output file %s: %w", r.safePath(path), err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("cannot parse output JSON: %w", err)
	}
	if !meta.RequiredFieldsPresent() {
		var missing []string
		if meta.SchemaVersion == "" {
			missing = append(missing, "schema_version")
		}
		if meta.HelperVersion == "" {
			missing = append(missing, "helper_version")
		}
		if meta.ModelVersion == "" {
			missing = append(missing, "model_version")
		}
		return fmt.Errorf("helper output missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *SubprocessRunner) scratchPath(kind string) string {
	return filepath.Join(r.cfg.WorkDir, kind+"-"+uuid.NewString()+".json")
}

// exec is the core subprocess execution helper.
func (r *SubprocessRunner) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			r.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", r.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, r.python, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard // helpers write to --out, not stdout

	r.cfg.Logger.Debug("executing helper command", "args", args[:min(2, len(args))])

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()

	if exitCode != 0 {
		r.cfg.Logger.Warn("helper command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Debug("helper command succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
