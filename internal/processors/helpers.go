package processors

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/vision"
)

// OriginReference names the reference faces detected on the untouched
// reference frame.
const OriginReference = "origin"

// FrameProcessor is the part of Processor the shared routines need.
type FrameProcessor interface {
	Name() string
	ProcessFrame(ctx context.Context, in Inputs) (image.Image, *image.Alpha, error)
}

// ProcessVideo runs p over every temp frame through the frame engine.
func (d *Deps) ProcessVideo(ctx context.Context, p FrameProcessor, sourcePaths, framePaths []string, progress frames.ProgressFunc) error {
	base, err := d.baseInputs(ctx, p.Name(), sourcePaths)
	if err != nil {
		return err
	}

	fn := func(ctx context.Context, sourcePaths []string, chunk []frames.Payload, update frames.UpdateProgress) error {
		for _, payload := range chunk {
			frame, err := vision.ReadFrame(payload.FramePath)
			if err != nil {
				return fmt.Errorf("%s: frame %d: %w", p.Name(), payload.FrameNumber, err)
			}
			in := base
			in.TargetFrame = frame
			in.TempFrame = frame
			out, _, err := p.ProcessFrame(ctx, in)
			if err != nil {
				return fmt.Errorf("%s: frame %d: %w", p.Name(), payload.FrameNumber, err)
			}
			if err := vision.WriteFrame(payload.FramePath, out, 100); err != nil {
				return fmt.Errorf("%s: frame %d: %w", p.Name(), payload.FrameNumber, err)
			}
			update()
		}
		return nil
	}

	_, err = d.Engine.MultiProcessFrames(ctx, sourcePaths, framePaths, fn, progress)
	return err
}

// ProcessImage runs p once over targetPath and writes the result to
// outputPath. The two paths may be the same.
func (d *Deps) ProcessImage(ctx context.Context, p FrameProcessor, sourcePaths []string, targetPath, outputPath string) error {
	in, err := d.baseInputs(ctx, p.Name(), sourcePaths)
	if err != nil {
		return err
	}
	frame, err := vision.ReadFrame(targetPath)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	in.TargetFrame = frame
	in.TempFrame = frame
	out, _, err := p.ProcessFrame(ctx, in)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	return vision.WriteFrame(outputPath, out, 100)
}

func (d *Deps) baseInputs(ctx context.Context, name string, sourcePaths []string) (Inputs, error) {
	args := d.Store.Args(ctx)
	in := Inputs{Args: args}

	if faces.SelectorMode(args.String(state.KeyFaceSelectorMode)) == faces.SelectReference && d.References != nil {
		in.ReferenceFaces = ReferenceFacesFor(d.References, name)
	}

	for _, src := range sourcePaths {
		if !vision.IsImage(src) {
			continue
		}
		frame, err := vision.ReadFrame(src)
		if err != nil {
			return Inputs{}, fmt.Errorf("read source %s: %w", filepath.Base(src), err)
		}
		in.SourceFrames = append(in.SourceFrames, frame)
	}
	if d.Detector != nil && len(in.SourceFrames) > 0 {
		var detected []faces.Face
		for _, frame := range in.SourceFrames {
			found, err := d.Detector.Detect(ctx, frame)
			if err != nil {
				return Inputs{}, fmt.Errorf("detect source faces: %w", err)
			}
			if f, ok := faces.At(found, 0); ok {
				detected = append(detected, f)
			}
		}
		if avg, ok := faces.Average(detected); ok {
			in.SourceFaces = []faces.Face{avg}
		}
	}
	return in, nil
}

// ReferenceFacesFor prefers the faces stored under the processor's name and
// falls back to the origin reference.
func ReferenceFacesFor(refs *faces.References, name string) []faces.Face {
	if f := refs.Get(name); len(f) > 0 {
		return f
	}
	return refs.Get(OriginReference)
}

// SelectFaces detects faces in frame and applies the selector settings
// from args.
func (d *Deps) SelectFaces(ctx context.Context, frame image.Image, in Inputs) ([]faces.Face, error) {
	if d.Detector == nil {
		return nil, nil
	}
	detected, err := d.Detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	mode := faces.SelectorMode(in.Args.String(state.KeyFaceSelectorMode))
	distance := in.Args.Float(state.KeyFaceSelectorDistance)
	if distance <= 0 {
		distance = 0.6
	}
	return faces.Select(detected, mode, in.ReferenceFaces, distance), nil
}

// CheckTargetOutput validates the target and output paths for mode.
func CheckTargetOutput(name string, args state.Args, mode Mode) error {
	if mode == ModeStream {
		return nil
	}
	target := args.String(state.KeyTargetPath)
	if !vision.IsImage(target) && !vision.IsVideo(target) {
		return fmt.Errorf("%w: %s: select an image or video for target path", ErrValidation, name)
	}
	if mode != ModeOutput {
		return nil
	}
	output := args.String(state.KeyOutputPath)
	if output == "" {
		return fmt.Errorf("%w: %s: select a file or directory for output path", ErrValidation, name)
	}
	dir := filepath.Dir(output)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s: output directory %s does not exist", ErrValidation, name, dir)
	}
	if !strings.EqualFold(filepath.Ext(target), filepath.Ext(output)) &&
		!(vision.HasImageExt(target) && vision.HasImageExt(output)) &&
		!(vision.HasVideoExt(target) && vision.HasVideoExt(output)) {
		return fmt.Errorf("%w: %s: output must be the same kind of media as the target", ErrValidation, name)
	}
	return nil
}

func isBuiltinSource(src string) bool {
	return strings.HasPrefix(src, inference.BuiltinScheme)
}
