// Package ffmpeg drives the external encoder: frame extraction, merging,
// audio restoration, concatenation and probing. Every long-running call is
// polled so a stop request terminates the subprocess.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/process"
)

const (
	maxStderrBytes      = 8 * 1024
	defaultPollInterval = 500 * time.Millisecond
)

// ErrStopped is returned when the encoder was terminated because a stop
// was requested.
var ErrStopped = errors.New("encoder stopped")

// ExitError reports a non-zero encoder exit.
type ExitError struct {
	ExitCode   int
	StderrTail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("encoder exited %d: %s", e.ExitCode, truncate(e.StderrTail, 512))
}

// Progress receives the latest processed frame count.
type Progress func(frame int)

// Config holds the encoder configuration.
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Encoder runs ffmpeg and ffprobe.
type Encoder struct {
	cfg     Config
	process *process.Manager
	logger  *slog.Logger
}

// New creates an Encoder. proc may be nil, in which case calls are never
// terminated early.
func New(cfg Config, proc *process.Manager) *Encoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Encoder{cfg: cfg, process: proc, logger: logging.WithComponent(cfg.Logger, "ffmpeg")}
}

// Available reports whether the ffmpeg binary can be found.
func (e *Encoder) Available() bool {
	_, err := exec.LookPath(e.cfg.FFmpegPath)
	return err == nil
}

// Run executes `ffmpeg -loglevel error <args...>`. When progress is set,
// frame markers on stderr are forwarded to it. While the process state is
// stopping the subprocess is killed and ErrStopped returned; otherwise Run
// waits for natural completion.
func (e *Encoder) Run(ctx context.Context, args []string, progress Progress) error {
	full := []string{"-loglevel", "error"}
	if progress != nil {
		full = append(full, "-progress", "pipe:2", "-nostats")
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, full...)
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("encoder stderr: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	tail := &tailBuffer{limit: maxStderrBytes}
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if frame, ok := parseFrame(line); ok {
				if progress != nil {
					progress(frame)
				}
				continue
			}
			if isProgressLine(line) {
				continue
			}
			tail.WriteLine(line)
		}
	}()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	stopped := false
poll:
	for {
		select {
		case <-scanned:
			break poll
		case <-ticker.C:
			if !stopped && e.process != nil && e.process.IsStopping() {
				stopped = true
				e.logger.Info("terminating encoder on stop request")
				_ = cmd.Process.Kill()
			}
		}
	}

	err = cmd.Wait()
	elapsed := time.Since(start)
	if stopped {
		return ErrStopped
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		e.logger.Warn("encoder command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(tail.String(), 512),
		)
		return &ExitError{ExitCode: exitCode, StderrTail: tail.String()}
	}
	e.logger.Debug("encoder command succeeded", "duration_ms", elapsed.Milliseconds())
	return nil
}

// output runs a short ffmpeg or ffprobe command and returns stdout.
func (e *Encoder) output(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	tail := &tailBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ExitError{ExitCode: exitCode, StderrTail: tail.String()}
	}
	return stdout.Bytes(), nil
}

func parseFrame(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "frame=")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

// isProgressLine matches the key=value lines written by -progress.
func isProgressLine(line string) bool {
	key, _, ok := strings.Cut(line, "=")
	return ok && key != "" && !strings.ContainsAny(key, " \t:")
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		b := t.buf.Bytes()
		keep := append([]byte(nil), b[len(b)-t.limit:]...)
		t.buf.Reset()
		t.buf.Write(keep)
	}
	return n, nil
}

func (t *tailBuffer) WriteLine(line string) {
	_, _ = t.Write([]byte(line + "\n"))
}

func (t *tailBuffer) String() string { return t.buf.String() }

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
