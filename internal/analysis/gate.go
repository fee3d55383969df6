package analysis

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/logging"
)

// ContentGate decides whether a target may be processed. Without a helper
// (or without the content capability) every target is allowed.
type ContentGate struct {
	runner Runner
	doctor *CachedDoctor
	logger *slog.Logger

	warnOnce sync.Once
}

// NewContentGate accepts a nil runner, in which case all content is allowed.
func NewContentGate(runner Runner, doctor *CachedDoctor, logger *slog.Logger) *ContentGate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ContentGate{runner: runner, doctor: doctor, logger: logging.WithComponent(logger, "content")}
}

// Allowed reports false when the helper flags the media.
func (g *ContentGate) Allowed(ctx context.Context, mediaPath string) (bool, error) {
	if !g.available(ctx) {
		g.warnOnce.Do(func() {
			g.logger.Warn("content analysis unavailable, allowing all targets")
		})
		return true, nil
	}

	verdict, err := g.runner.CheckContent(ctx, mediaPath)
	if err != nil {
		if g.doctor != nil {
			g.doctor.Distrust(ContentCheck, err)
		}
		return false, fmt.Errorf("content check: %w", err)
	}
	if verdict.Flagged {
		g.logger.Warn("content rejected", "path", logging.SanitizePath(mediaPath), "score", verdict.Score)
		return false, nil
	}
	return true, nil
}

func (g *ContentGate) available(ctx context.Context) bool {
	if g == nil || g.runner == nil {
		return false
	}
	if g.doctor == nil {
		return true
	}
	return g.doctor.Supports(ctx, ContentCheck)
}

// HelperDetector implements faces.Detector by writing the frame to a
// scratch PNG and running the helper's face detection on it.
type HelperDetector struct {
	runner  Runner
	doctor  *CachedDoctor
	workDir string
}

// NewHelperDetector accepts a nil doctor.
func NewHelperDetector(runner Runner, doctor *CachedDoctor, workDir string) *HelperDetector {
	return &HelperDetector{runner: runner, doctor: doctor, workDir: workDir}
}

func (d *HelperDetector) Detect(ctx context.Context, frame image.Image) ([]faces.Face, error) {
	if err := os.MkdirAll(d.workDir, 0755); err != nil {
		return nil, fmt.Errorf("create detector work dir: %w", err)
	}
	path := filepath.Join(d.workDir, "detect-"+uuid.NewString()+".png")
	if err := imaging.Save(frame, path); err != nil {
		return nil, fmt.Errorf("write detection frame: %w", err)
	}
	defer os.Remove(path)

	found, err := d.runner.DetectFaces(ctx, path)
	if err != nil && d.doctor != nil {
		d.doctor.Distrust(FaceDetection, err)
	}
	return found, err
}

// Detector returns a helper backed detector when the helper reports face
// support, otherwise a detector that never finds faces.
func Detector(ctx context.Context, runner Runner, doctor *CachedDoctor, workDir string, logger *slog.Logger) faces.Detector {
	if runner == nil {
		return faces.NopDetector{}
	}
	if doctor != nil && !doctor.Supports(ctx, FaceDetection) {
		if logger != nil {
			logger.Warn("face detection unavailable, face processors will see no faces")
		}
		return faces.NopDetector{}
	}
	return NewHelperDetector(runner, doctor, workDir)
}
