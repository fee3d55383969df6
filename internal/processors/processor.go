// Package processors defines the uniform contract every frame processor
// implements, the registry the pipeline resolves processors from, and the
// shared image/video routines processors delegate to.
package processors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/state"
)

// Mode is the purpose a processor is prepared for.
type Mode string

const (
	ModeOutput  Mode = "output"
	ModePreview Mode = "preview"
	ModeStream  Mode = "stream"
)

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrValidation       = errors.New("invalid processor arguments")
)

// Inputs is everything ProcessFrame may look at.
type Inputs struct {
	ReferenceFaces []faces.Face
	SourceFaces    []faces.Face
	SourceFrames   []image.Image
	TargetFrame    image.Image
	TempFrame      image.Image
	Args           state.Args
}

// Processor is one pluggable media transformation.
type Processor interface {
	Name() string

	// RegisterArgs validates the processor's options in defaults, seeds
	// them into both execution contexts and marks them as step keys.
	RegisterArgs(store *state.Store, defaults state.Args) error
	// ApplyArgs copies the processor's options from args into the
	// execution context carried by ctx.
	ApplyArgs(ctx context.Context, args state.Args)

	// PreCheck verifies models are present before any work starts.
	PreCheck(ctx context.Context) error
	// PreProcess validates the current arguments for mode.
	PreProcess(ctx context.Context, mode Mode) error

	ProcessFrame(ctx context.Context, in Inputs) (image.Image, *image.Alpha, error)
	// ProcessImage reads targetPath, processes it and writes outputPath.
	ProcessImage(ctx context.Context, sourcePaths []string, targetPath, outputPath string) error
	// ProcessVideo rewrites every temp frame in place.
	ProcessVideo(ctx context.Context, sourcePaths, framePaths []string, progress frames.ProgressFunc) error
	PostProcess(ctx context.Context)

	GetInferencePool(ctx context.Context) (inference.Pool, error)
	ClearInferencePool(ctx context.Context)
}

// ReferenceFramer is implemented by processors whose output changes how
// the reference face looks, so the reference must be redetected on the
// processed reference frame.
type ReferenceFramer interface {
	ReferenceFrame(ctx context.Context, sourceFace faces.Face, referenceFace faces.Face, frame image.Image) (image.Image, error)
}

// Deps are the shared collaborators handed to every processor.
type Deps struct {
	Store      *state.Store
	Pools      *inference.Manager
	Engine     *frames.Engine
	Detector   faces.Detector
	References *faces.References
	Logger     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

// Base carries the pool plumbing shared by processors.
type Base struct {
	name       string
	modelNames []string
	sources    inference.ModelSources
	Deps       *Deps
}

func NewBase(name string, sources inference.ModelSources, deps *Deps) Base {
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	return Base{name: name, modelNames: sortedCopy(names), sources: sources, Deps: deps}
}

func (b *Base) Name() string { return b.name }

func (b *Base) GetInferencePool(ctx context.Context) (inference.Pool, error) {
	return b.Deps.Pools.GetPool(ctx, b.name, b.modelNames, b.sources)
}

func (b *Base) ClearInferencePool(ctx context.Context) {
	b.Deps.Pools.ClearPool(ctx, b.name, b.modelNames)
}

// Session returns the named session from the processor's pool.
func (b *Base) Session(ctx context.Context, model string) (inference.Session, error) {
	pool, err := b.GetInferencePool(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := pool[model]
	if !ok {
		return nil, fmt.Errorf("%s: model %s not loaded", b.name, model)
	}
	return s, nil
}

// PreCheck fails when a model file is missing. Builtin sources are always
// present.
func (b *Base) PreCheck(ctx context.Context) error {
	for name, src := range b.sources {
		if isBuiltinSource(src) {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("%s: model %s unavailable: %w", b.name, name, err)
		}
	}
	return nil
}

// PostProcess releases the pool when the memory strategy clears the
// pools of processors that ran.
func (b *Base) PostProcess(ctx context.Context) {
	strategy, err := inference.ParseMemoryStrategy(b.Deps.Store.Args(ctx).String(state.KeyVideoMemoryStrategy))
	if err != nil {
		strategy = inference.Strict
	}
	if strategy.Clears(true) {
		b.ClearInferencePool(ctx)
	}
}
