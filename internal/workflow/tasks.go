package workflow

import (
	"context"
	"fmt"
	"image"

	"github.com/framesmith/framesmith-agent/internal/ffmpeg"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/vision"
)

func (p *Pipeline) imageTasks(procs []processors.Processor) []task {
	return []task{
		{"setup", p.setup},
		{"prepare_image", p.prepareImage},
		{"process_image", func(ctx context.Context, r *invocation) error {
			temp := p.workspace.TempFile(r.target, "")
			return p.processWith(ctx, procs, "process_image", func(proc processors.Processor) error {
				return proc.ProcessImage(ctx, r.sourcePaths, temp, temp)
			})
		}},
		{"finalize_image", p.finalizeImage},
	}
}

func (p *Pipeline) videoTasks(procs []processors.Processor) []task {
	return []task{
		{"setup", p.setup},
		{"extract_frames", p.extractFrames},
		{"process_video", func(ctx context.Context, r *invocation) error {
			return p.processVideo(ctx, r, procs)
		}},
		{"merge_video", p.mergeVideo},
		{"restore_audio", p.restoreAudio},
		{"finalize_video", p.finalizeVideo},
	}
}

// prepareImage copies the target into the workspace at the restricted
// resolution.
func (p *Pipeline) prepareImage(ctx context.Context, r *invocation) error {
	size, err := vision.Size(r.target)
	if err != nil {
		return taskError("prepare_image", CodeError, err)
	}
	limit, err := resolutionArg(r.args, state.KeyOutputImageResolution, size)
	if err != nil {
		return taskError("prepare_image", CodeValidation, err)
	}
	r.resolution = vision.RestrictResolution(size, limit)
	if err := vision.CopyImage(r.target, p.workspace.TempFile(r.target, ""), r.resolution); err != nil {
		return taskError("prepare_image", CodeError, err)
	}
	return nil
}

func (p *Pipeline) finalizeImage(ctx context.Context, r *invocation) error {
	size, err := vision.Size(r.target)
	if err != nil {
		return taskError("finalize_image", CodeError, err)
	}
	outRes, err := resolutionArg(r.args, state.KeyOutputImageResolution, size)
	if err != nil {
		return taskError("finalize_image", CodeValidation, err)
	}
	quality := r.args.Int(state.KeyOutputImageQuality)
	if quality <= 0 {
		quality = 80
	}

	p.logger.Info("finalizing image", "resolution", vision.FormatResolution(outRes))
	if err := vision.FinalizeImage(p.workspace.TempFile(r.target, ""), r.output, quality, outRes); err != nil {
		return taskError("finalize_image", CodeError, err)
	}
	p.clearTemp(r)
	if !vision.IsImage(r.output) {
		return taskError("finalize_image", CodeError, fmt.Errorf("output %s missing", logging.SanitizePath(r.output)))
	}
	p.logger.Info("processing to image succeeded")
	return nil
}

// extractFrames probes the target and extracts its frames at the
// restricted resolution and fps.
func (p *Pipeline) extractFrames(ctx context.Context, r *invocation) error {
	if p.encoder == nil {
		return taskError("extract_frames", CodeError, fmt.Errorf("no encoder configured"))
	}
	probe, err := p.encoder.Probe(ctx, r.target)
	if err != nil {
		p.logger.Warn("probe failed, using defaults", "error", err)
		probe = &ffmpeg.ProbeResult{FPS: defaultFPS}
	}

	limit, err := resolutionArg(r.args, state.KeyOutputVideoResolution, probe.Resolution())
	if err != nil {
		return taskError("extract_frames", CodeValidation, err)
	}
	r.resolution = vision.RestrictResolution(probe.Resolution(), limit)
	r.fps = restrictFPS(probe.FPS, r.args.Float(state.KeyOutputVideoFPS))

	opts := ffmpeg.ExtractOptions{
		Resolution: r.resolution,
		FPS:        r.fps,
		TrimStart:  r.args.Int(state.KeyTrimFrameStart),
		TrimEnd:    r.args.Int(state.KeyTrimFrameEnd),
	}
	p.logger.Info("extracting frames", "resolution", vision.FormatResolution(r.resolution), "fps", r.fps)
	pattern := p.workspace.FramePattern(r.target, tempFrameFormat(r.args))
	if err := p.encoder.ExtractFrames(ctx, r.target, pattern, opts, p.encoderProgress(probe.FrameCount)); err != nil {
		return taskError("extract_frames", CodeOf(err), err)
	}
	if err := p.stopped("extract_frames"); err != nil {
		return err
	}
	p.logger.Info("extracting frames succeeded")
	return nil
}

func (p *Pipeline) processVideo(ctx context.Context, r *invocation, procs []processors.Processor) error {
	framePaths, err := p.workspace.FramePaths(r.target, tempFrameFormat(r.args))
	if err != nil {
		return taskError("process_video", CodeError, err)
	}
	if len(framePaths) == 0 {
		return taskError("process_video", CodeError, fmt.Errorf("temp frames not found"))
	}
	return p.processWith(ctx, procs, "process_video", func(proc processors.Processor) error {
		return proc.ProcessVideo(ctx, r.sourcePaths, framePaths, p.setProgress)
	})
}

func (p *Pipeline) mergeVideo(ctx context.Context, r *invocation) error {
	outRes, err := resolutionArg(r.args, state.KeyOutputVideoResolution, r.resolution)
	if err != nil {
		return taskError("merge_video", CodeValidation, err)
	}
	format := tempFrameFormat(r.args)
	frameCount := 0
	if paths, err := p.workspace.FramePaths(r.target, format); err == nil {
		frameCount = len(paths)
	}
	opts := ffmpeg.MergeOptions{
		FPS:        r.fps,
		OutputFPS:  r.args.Float(state.KeyOutputVideoFPS),
		Encoder:    r.args.String(state.KeyOutputVideoEncoder),
		Preset:     r.args.String(state.KeyOutputVideoPreset),
		Quality:    r.args.Int(state.KeyOutputVideoQuality),
		Resolution: outRes,
	}

	p.logger.Info("merging video", "resolution", vision.FormatResolution(outRes), "fps", r.fps)
	temp := p.workspace.TempFile(r.target, "")
	if err := p.encoder.MergeVideo(ctx, p.workspace.FramePattern(r.target, format), temp, opts, p.encoderProgress(frameCount)); err != nil {
		return taskError("merge_video", CodeOf(err), err)
	}
	if err := p.stopped("merge_video"); err != nil {
		return err
	}
	p.logger.Info("merging video succeeded")
	return nil
}

// restoreAudio muxes the target's audio onto the merged video. Failing to
// restore audio only downgrades to a silent output.
func (p *Pipeline) restoreAudio(ctx context.Context, r *invocation) error {
	temp := p.workspace.TempFile(r.target, "")
	if !r.args.Bool(state.KeySkipAudio) {
		err := p.encoder.RestoreAudio(ctx, r.target, temp, r.output, r.fps,
			r.args.Int(state.KeyTrimFrameStart), r.args.Int(state.KeyTrimFrameEnd))
		if err == nil {
			p.logger.Info("restoring audio succeeded")
			return nil
		}
		if p.proc.IsStopping() || CodeOf(err) == CodeStopped {
			return taskError("restore_audio", CodeStopped, err)
		}
		p.logger.Warn("restoring audio skipped", "error", err)
	}
	if err := vision.MoveFile(temp, r.output); err != nil {
		return taskError("restore_audio", CodeError, err)
	}
	return nil
}

func (p *Pipeline) finalizeVideo(ctx context.Context, r *invocation) error {
	p.clearTemp(r)
	if !vision.IsVideo(r.output) {
		return taskError("finalize_video", CodeError, fmt.Errorf("output %s missing", logging.SanitizePath(r.output)))
	}
	p.logger.Info("processing to video succeeded")
	return nil
}

// encoderProgress mirrors encoder frame markers into the status.
func (p *Pipeline) encoderProgress(total int) ffmpeg.Progress {
	return func(frame int) {
		p.setProgress(frame, total)
	}
}

// resolutionArg parses key from args, falling back to def when unset.
func resolutionArg(args state.Args, key string, def image.Point) (image.Point, error) {
	v := args.String(key)
	if v == "" {
		return def, nil
	}
	res, err := vision.ParseResolution(v)
	if err != nil {
		return image.Point{}, fmt.Errorf("%s: %w", key, err)
	}
	return res, nil
}

// restrictFPS caps the output rate at the source rate.
func restrictFPS(source, requested float64) float64 {
	if source <= 0 {
		source = defaultFPS
	}
	if requested <= 0 || source < requested {
		return source
	}
	return requested
}

func tempFrameFormat(args state.Args) string {
	switch f := args.String(state.KeyTempFrameFormat); f {
	case "png", "jpg", "bmp":
		return f
	}
	return "png"
}
