package filters

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/state"
)

const (
	FaceBlurName = "face_blur"

	KeyFaceBlurAmount  = "face_blur_amount"
	KeyFaceBlurPadding = "face_blur_padding"

	defaultFaceBlurAmount  = 8.0
	defaultFaceBlurPadding = 10
)

// FaceBlur blurs the selected faces of every frame.
type FaceBlur struct {
	processors.Base
}

func NewFaceBlur(deps *processors.Deps) *FaceBlur {
	return &FaceBlur{
		Base: processors.NewBase(FaceBlurName, inference.ModelSources{
			KernelGaussian: inference.BuiltinScheme + KernelGaussian,
		}, deps),
	}
}

func (f *FaceBlur) RegisterArgs(store *state.Store, defaults state.Args) error {
	amount := defaultFaceBlurAmount
	if defaults.Has(KeyFaceBlurAmount) {
		amount = defaults.Float(KeyFaceBlurAmount)
	}
	if amount < 0 || amount > 100 {
		return fmt.Errorf("%w: %s must be within 0..100", processors.ErrValidation, KeyFaceBlurAmount)
	}
	padding := defaultFaceBlurPadding
	if defaults.Has(KeyFaceBlurPadding) {
		padding = defaults.Int(KeyFaceBlurPadding)
	}
	if padding < 0 || padding > 100 {
		return fmt.Errorf("%w: %s must be within 0..100", processors.ErrValidation, KeyFaceBlurPadding)
	}
	store.InitItem(KeyFaceBlurAmount, amount)
	store.InitItem(KeyFaceBlurPadding, padding)
	store.RegisterStepKeys(KeyFaceBlurAmount, KeyFaceBlurPadding)
	return nil
}

func (f *FaceBlur) ApplyArgs(ctx context.Context, args state.Args) {
	for _, k := range []string{KeyFaceBlurAmount, KeyFaceBlurPadding} {
		if args.Has(k) {
			f.Deps.Store.Set(ctx, k, args[k])
		}
	}
}

func (f *FaceBlur) PreProcess(ctx context.Context, mode processors.Mode) error {
	args := f.Deps.Store.Args(ctx)
	if _, err := faces.ParseSelectorMode(args.String(state.KeyFaceSelectorMode)); err != nil {
		return fmt.Errorf("%w: %v", processors.ErrValidation, err)
	}
	return processors.CheckTargetOutput(f.Name(), args, mode)
}

func (f *FaceBlur) ProcessFrame(ctx context.Context, in processors.Inputs) (image.Image, *image.Alpha, error) {
	frame := in.TempFrame
	bounds := frame.Bounds()
	mask := image.NewAlpha(bounds)

	selected, err := f.Deps.SelectFaces(ctx, frame, in)
	if err != nil {
		return nil, nil, err
	}
	if len(selected) == 0 {
		return frame, mask, nil
	}

	session, err := f.Session(ctx, KernelGaussian)
	if err != nil {
		return nil, nil, err
	}

	amount := in.Args.Float(KeyFaceBlurAmount)
	padding := in.Args.Int(KeyFaceBlurPadding)

	out := imaging.Clone(frame)
	for _, face := range selected {
		region := padBox(face.Box, padding).Intersect(bounds)
		if region.Empty() {
			continue
		}
		blurred, err := runKernel(ctx, session, KernelRequest{
			Image: imaging.Crop(out, region),
			Sigma: amount,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("blur face: %w", err)
		}
		out = imaging.Paste(out, blurred, region.Min)
		draw.Draw(mask, region, image.Opaque, image.Point{}, draw.Src)
	}
	return out, mask, nil
}

// ReferenceFrame blurs the reference face so later processors look for
// the face as it appears after blurring.
func (f *FaceBlur) ReferenceFrame(ctx context.Context, sourceFace, referenceFace faces.Face, frame image.Image) (image.Image, error) {
	in := processors.Inputs{
		ReferenceFaces: []faces.Face{referenceFace},
		TargetFrame:    frame,
		TempFrame:      frame,
		Args:           f.Deps.Store.Args(ctx),
	}
	out, _, err := f.ProcessFrame(ctx, in)
	return out, err
}

func (f *FaceBlur) ProcessImage(ctx context.Context, sourcePaths []string, targetPath, outputPath string) error {
	return f.Deps.ProcessImage(ctx, f, sourcePaths, targetPath, outputPath)
}

func (f *FaceBlur) ProcessVideo(ctx context.Context, sourcePaths, framePaths []string, progress frames.ProgressFunc) error {
	return f.Deps.ProcessVideo(ctx, f, sourcePaths, framePaths, progress)
}

// padBox grows box by percent of its size on every side.
func padBox(box image.Rectangle, percent int) image.Rectangle {
	dx := box.Dx() * percent / 100
	dy := box.Dy() * percent / 100
	return image.Rect(box.Min.X-dx, box.Min.Y-dy, box.Max.X+dx, box.Max.Y+dy)
}
