package filters

import (
	"context"
	"fmt"
	"image"

	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/state"
)

const (
	FrameSharpenerName = "frame_sharpener"

	KeyFrameSharpenerAmount   = "frame_sharpener_amount"
	KeyFrameSharpenerContrast = "frame_sharpener_contrast"

	defaultSharpenAmount   = 1.0
	defaultSharpenContrast = 0.0
)

// FrameSharpener sharpens and optionally adjusts the contrast of whole
// frames.
type FrameSharpener struct {
	processors.Base
}

func NewFrameSharpener(deps *processors.Deps) *FrameSharpener {
	return &FrameSharpener{
		Base: processors.NewBase(FrameSharpenerName, inference.ModelSources{
			KernelSharpen: inference.BuiltinScheme + KernelSharpen,
		}, deps),
	}
}

func (s *FrameSharpener) RegisterArgs(store *state.Store, defaults state.Args) error {
	amount := defaultSharpenAmount
	if defaults.Has(KeyFrameSharpenerAmount) {
		amount = defaults.Float(KeyFrameSharpenerAmount)
	}
	contrast := defaultSharpenContrast
	if defaults.Has(KeyFrameSharpenerContrast) {
		contrast = defaults.Float(KeyFrameSharpenerContrast)
	}
	if err := validateSharpen(amount, contrast); err != nil {
		return err
	}
	store.InitItem(KeyFrameSharpenerAmount, amount)
	store.InitItem(KeyFrameSharpenerContrast, contrast)
	store.RegisterStepKeys(KeyFrameSharpenerAmount, KeyFrameSharpenerContrast)
	return nil
}

func validateSharpen(amount, contrast float64) error {
	if amount < 0 || amount > 10 {
		return fmt.Errorf("%w: %s must be within 0..10", processors.ErrValidation, KeyFrameSharpenerAmount)
	}
	if contrast < -100 || contrast > 100 {
		return fmt.Errorf("%w: %s must be within -100..100", processors.ErrValidation, KeyFrameSharpenerContrast)
	}
	return nil
}

func (s *FrameSharpener) ApplyArgs(ctx context.Context, args state.Args) {
	for _, k := range []string{KeyFrameSharpenerAmount, KeyFrameSharpenerContrast} {
		if args.Has(k) {
			s.Deps.Store.Set(ctx, k, args[k])
		}
	}
}

func (s *FrameSharpener) PreProcess(ctx context.Context, mode processors.Mode) error {
	args := s.Deps.Store.Args(ctx)
	if err := validateSharpen(args.Float(KeyFrameSharpenerAmount), args.Float(KeyFrameSharpenerContrast)); err != nil {
		return err
	}
	return processors.CheckTargetOutput(s.Name(), args, mode)
}

func (s *FrameSharpener) ProcessFrame(ctx context.Context, in processors.Inputs) (image.Image, *image.Alpha, error) {
	session, err := s.Session(ctx, KernelSharpen)
	if err != nil {
		return nil, nil, err
	}
	out, err := runKernel(ctx, session, KernelRequest{
		Image:    in.TempFrame,
		Sigma:    in.Args.Float(KeyFrameSharpenerAmount),
		Contrast: in.Args.Float(KeyFrameSharpenerContrast),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sharpen frame: %w", err)
	}
	mask := image.NewAlpha(out.Bounds())
	for i := range mask.Pix {
		mask.Pix[i] = 0xff
	}
	return out, mask, nil
}

func (s *FrameSharpener) ProcessImage(ctx context.Context, sourcePaths []string, targetPath, outputPath string) error {
	return s.Deps.ProcessImage(ctx, s, sourcePaths, targetPath, outputPath)
}

func (s *FrameSharpener) ProcessVideo(ctx context.Context, sourcePaths, framePaths []string, progress frames.ProgressFunc) error {
	return s.Deps.ProcessVideo(ctx, s, sourcePaths, framePaths, progress)
}
