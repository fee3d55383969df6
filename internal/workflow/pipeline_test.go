package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/ffmpeg"
	"github.com/framesmith/framesmith-agent/internal/frames"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/processors/filters"
	"github.com/framesmith/framesmith-agent/internal/state"
)

type fakeEncoder struct {
	proc         *process.Manager
	stopOn       string
	audioErr     error
	extractCalls atomic.Int32
	mergeCalls   atomic.Int32
	frames       int
}

func (f *fakeEncoder) Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Width: 8, Height: 8, FPS: 30, FrameCount: f.frames}, nil
}

func (f *fakeEncoder) ExtractFrames(ctx context.Context, target, pattern string, opts ffmpeg.ExtractOptions, progress ffmpeg.Progress) error {
	f.extractCalls.Add(1)
	for i := 1; i <= f.frames; i++ {
		img := imaging.New(8, 8, color.NRGBA{120, 120, 120, 255})
		if err := imaging.Save(img, fmt.Sprintf(pattern, i)); err != nil {
			return err
		}
		if progress != nil {
			progress(i)
		}
	}
	if f.stopOn == "extract" {
		f.proc.Stop()
	}
	return nil
}

func (f *fakeEncoder) MergeVideo(ctx context.Context, pattern, output string, opts ffmpeg.MergeOptions, progress ffmpeg.Progress) error {
	f.mergeCalls.Add(1)
	paths, _ := filepath.Glob(filepath.Join(filepath.Dir(pattern), "*.png"))
	if len(paths) != f.frames {
		return fmt.Errorf("merge saw %d frames, want %d", len(paths), f.frames)
	}
	return os.WriteFile(output, []byte("video"), 0644)
}

func (f *fakeEncoder) RestoreAudio(ctx context.Context, target, video, output string, fps float64, trimStart, trimEnd int) error {
	if f.audioErr != nil {
		return f.audioErr
	}
	data, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append(data, []byte("+audio")...), 0644)
}

func (f *fakeEncoder) ReadVideoFrame(ctx context.Context, video string, n int) (image.Image, error) {
	return imaging.New(8, 8, color.NRGBA{10, 10, 10, 255}), nil
}

type fakeGate struct {
	allowed bool
	calls   atomic.Int32
}

func (g *fakeGate) Allowed(ctx context.Context, path string) (bool, error) {
	g.calls.Add(1)
	return g.allowed, nil
}

type oneFaceDetector struct{}

func (oneFaceDetector) Detect(ctx context.Context, frame image.Image) ([]faces.Face, error) {
	return []faces.Face{{Box: image.Rect(1, 1, 5, 5), Embedding: []float64{1, 0}, Score: 0.9}}, nil
}

type fixture struct {
	pipeline *Pipeline
	store    *state.Store
	proc     *process.Manager
	pools    *inference.Manager
	encoder  *fakeEncoder
	gate     *fakeGate
	refs     *faces.References
	dir      string
}

func newFixture(t *testing.T, detector faces.Detector) *fixture {
	t.Helper()
	store := state.NewStore()
	store.InitArgs(state.Args{
		state.KeyFaceSelectorMode:    "many",
		state.KeyVideoMemoryStrategy: "strict",
		state.KeyTempFrameFormat:     "png",
		state.KeyOutputImageQuality:  90,
	})
	proc := process.NewManager()
	pools := inference.NewManager(inference.Config{Fatal: func(err error) { t.Errorf("fatal: %v", err) }}, store, proc)
	refs := faces.NewReferences()
	deps := &processors.Deps{
		Store:      store,
		Pools:      pools,
		Engine:     frames.NewEngine(store, 2, 1, nil),
		Detector:   detector,
		References: refs,
	}
	reg := processors.NewRegistry()
	if err := filters.Register(reg, deps, state.Args{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	dir := t.TempDir()
	enc := &fakeEncoder{proc: proc, frames: 4}
	gate := &fakeGate{allowed: true}
	p := New(Config{
		Store:      store,
		Process:    proc,
		Registry:   reg,
		Encoder:    enc,
		Content:    gate,
		Detector:   detector,
		References: refs,
		TempPath:   filepath.Join(dir, "temp"),
	})
	return &fixture{pipeline: p, store: store, proc: proc, pools: pools, encoder: enc, gate: gate, refs: refs, dir: dir}
}

func (f *fixture) writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := imaging.Save(imaging.New(16, 16, color.NRGBA{200, 50, 50, 255}), path); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) writeVideo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcess_Image(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	ctx := context.Background()
	target := f.writeImage(t, "target.png")
	output := filepath.Join(f.dir, "output.png")

	code := f.pipeline.Process(ctx, state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: output,
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	if _, err := imaging.Open(output); err != nil {
		t.Fatalf("output unreadable: %v", err)
	}
	if _, err := os.Stat(f.pipeline.workspace.Dir(target)); !os.IsNotExist(err) {
		t.Error("temp directory not cleared")
	}
	if !f.proc.IsPending() {
		t.Errorf("process state = %s, want pending", f.proc.State())
	}
	if f.pools.PoolCount(state.Batch) != 0 {
		t.Error("strict strategy left pools loaded")
	}
	if st := f.pipeline.Status(); st.Stage != "idle" || st.LastCode != CodeSuccess {
		t.Errorf("status = %+v", st)
	}
}

func TestProcess_ImageRestrictsResolution(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	target := f.writeImage(t, "target.png")
	output := filepath.Join(f.dir, "small.png")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors:            []string{filters.FrameSharpenerName},
		state.KeyTargetPath:            target,
		state.KeyOutputPath:            output,
		state.KeyOutputImageResolution: "8x8",
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	img, err := imaging.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.Bounds().Size(); got != image.Pt(8, 8) {
		t.Errorf("output size = %v, want 8x8", got)
	}
}

func TestProcess_Video(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	target := f.writeVideo(t, "clip.mp4")
	output := filepath.Join(f.dir, "out.mp4")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: output,
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	data, err := os.ReadFile(output)
	if err != nil || string(data) != "video+audio" {
		t.Errorf("output = %q, %v", data, err)
	}
	if f.encoder.extractCalls.Load() != 1 || f.encoder.mergeCalls.Load() != 1 {
		t.Errorf("extract=%d merge=%d", f.encoder.extractCalls.Load(), f.encoder.mergeCalls.Load())
	}
	if f.gate.calls.Load() != 1 {
		t.Errorf("content checks = %d, want 1", f.gate.calls.Load())
	}
}

func TestProcess_VideoAudioFailureKeepsSilentOutput(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	f.encoder.audioErr = errors.New("no audio stream")
	target := f.writeVideo(t, "clip.mp4")
	output := filepath.Join(f.dir, "out.mp4")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: output,
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	if data, _ := os.ReadFile(output); string(data) != "video" {
		t.Errorf("output = %q, want the merged video", data)
	}
}

func TestProcess_StopDuringExtraction(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	f.encoder.stopOn = "extract"
	target := f.writeVideo(t, "clip.mp4")
	output := filepath.Join(f.dir, "out.mp4")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: output,
	})
	if code != CodeStopped {
		t.Fatalf("Process() = %s, want stopped", code)
	}
	if f.encoder.mergeCalls.Load() != 0 {
		t.Error("merge ran after stop")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Error("output written after stop")
	}
	if !f.proc.IsPending() {
		t.Errorf("process state = %s, want pending", f.proc.State())
	}
}

func TestProcess_ContentRejected(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	f.gate.allowed = false
	target := f.writeVideo(t, "clip.mp4")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: filepath.Join(f.dir, "out.mp4"),
	})
	if code != CodeContentRejected {
		t.Fatalf("Process() = %s, want content_rejected", code)
	}
	if f.encoder.extractCalls.Load() != 0 {
		t.Error("frames extracted for rejected content")
	}
}

func TestProcess_Validation(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	target := f.writeImage(t, "target.png")

	tests := []struct {
		name string
		args state.Args
	}{
		{"no processors", state.Args{state.KeyProcessors: []string{}, state.KeyTargetPath: target, state.KeyOutputPath: filepath.Join(f.dir, "o.png")}},
		{"unknown processor", state.Args{state.KeyProcessors: []string{"face_swapper"}, state.KeyTargetPath: target, state.KeyOutputPath: filepath.Join(f.dir, "o.png")}},
		{"missing output dir", state.Args{state.KeyProcessors: []string{filters.FaceBlurName}, state.KeyTargetPath: target, state.KeyOutputPath: filepath.Join(f.dir, "nope", "o.png")}},
		{"image to video", state.Args{state.KeyProcessors: []string{filters.FaceBlurName}, state.KeyTargetPath: target, state.KeyOutputPath: filepath.Join(f.dir, "o.mp4")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := f.pipeline.Process(context.Background(), tt.args); code != CodeValidation {
				t.Errorf("Process() = %s, want validation", code)
			}
		})
	}
}

func TestProcess_ConsecutiveRunsDoNotShareArgs(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	ctx := context.Background()
	first := f.writeImage(t, "first.png")
	second := f.writeImage(t, "second.png")

	code := f.pipeline.Process(ctx, state.Args{
		state.KeyProcessors:            []string{filters.FrameSharpenerName},
		state.KeyTargetPath:            first,
		state.KeyOutputPath:            filepath.Join(f.dir, "first-out.png"),
		state.KeyOutputImageResolution: "4x4",
		state.KeyFaceSelectorMode:      "one",
	})
	if code != CodeSuccess {
		t.Fatalf("first Process() = %s", code)
	}

	output := filepath.Join(f.dir, "second-out.png")
	code = f.pipeline.Process(ctx, state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: second,
		state.KeyOutputPath: output,
	})
	if code != CodeSuccess {
		t.Fatalf("second Process() = %s", code)
	}
	img, err := imaging.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.Bounds().Size(); got != image.Pt(16, 16) {
		t.Errorf("second output size = %v, want 16x16", got)
	}

	args := f.store.Args(ctx)
	if args.Has(state.KeyOutputImageResolution) {
		t.Errorf("resolution carried into second run: %v", args[state.KeyOutputImageResolution])
	}
	if got := args.String(state.KeyFaceSelectorMode); got != "many" {
		t.Errorf("selector mode = %q, want default many", got)
	}
	if got := args.String(state.KeyTargetPath); got != second {
		t.Errorf("target = %q, want %q", got, second)
	}
}

// checkingProcessor observes the lifecycle and a concurrent pool request
// while its pre-check runs.
type checkingProcessor struct {
	processors.Processor
	proc  *process.Manager
	pools *inference.Manager

	sawChecking  bool
	poolEarly    bool
	poolReturned chan struct{}
}

func (c *checkingProcessor) Name() string { return "gated_sharpener" }

func (c *checkingProcessor) PreCheck(ctx context.Context) error {
	c.sawChecking = c.proc.IsChecking()
	go func() {
		defer close(c.poolReturned)
		c.pools.GetPool(ctx, "checking", []string{filters.KernelSharpen},
			inference.ModelSources{filters.KernelSharpen: "builtin:" + filters.KernelSharpen})
	}()
	select {
	case <-c.poolReturned:
		c.poolEarly = true
	case <-time.After(50 * time.Millisecond):
	}
	return c.Processor.PreCheck(ctx)
}

func TestPreCheck_HoldsPoolsWhileChecking(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	sharpener, _ := f.pipeline.registry.Get(filters.FrameSharpenerName)
	cp := &checkingProcessor{Processor: sharpener, proc: f.proc, pools: f.pools, poolReturned: make(chan struct{})}
	if err := f.pipeline.registry.Register(cp); err != nil {
		t.Fatal(err)
	}
	target := f.writeImage(t, "target.png")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{cp.Name()},
		state.KeyTargetPath: target,
		state.KeyOutputPath: filepath.Join(f.dir, "o.png"),
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	if !cp.sawChecking {
		t.Error("pre-check did not run in the checking state")
	}
	if cp.poolEarly {
		t.Error("GetPool returned while pre-checks were running")
	}
	select {
	case <-cp.poolReturned:
	case <-time.After(5 * time.Second):
		t.Fatal("GetPool still blocked after pre-checks finished")
	}
	if !f.proc.IsPending() {
		t.Errorf("process state = %s, want pending", f.proc.State())
	}
}

func TestProcess_BusyWhileAnotherRunIsActive(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	target := f.writeImage(t, "target.png")
	if err := f.proc.Start(); err != nil {
		t.Fatal(err)
	}
	defer f.proc.End()

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: filepath.Join(f.dir, "o.png"),
	})
	if code != CodeError {
		t.Errorf("Process() = %s, want error", code)
	}
}

func TestProcess_BootstrapsReferenceFaces(t *testing.T) {
	f := newFixture(t, oneFaceDetector{})
	target := f.writeImage(t, "target.png")
	source := f.writeImage(t, "source.png")

	code := f.pipeline.Process(context.Background(), state.Args{
		state.KeyProcessors:       []string{filters.FaceBlurName},
		state.KeySourcePaths:      []string{source},
		state.KeyTargetPath:       target,
		state.KeyOutputPath:       filepath.Join(f.dir, "o.png"),
		state.KeyFaceSelectorMode: "reference",
	})
	if code != CodeSuccess {
		t.Fatalf("Process() = %s", code)
	}
	if len(f.refs.Get(processors.OriginReference)) != 1 {
		t.Error("origin reference face not stored")
	}
	if len(f.refs.Get(filters.FaceBlurName)) != 1 {
		t.Error("processor reference face not stored")
	}
}

func TestProcessStep_ThroughJobRunner(t *testing.T) {
	f := newFixture(t, faces.NopDetector{})
	ctx := context.Background()
	target := f.writeImage(t, "target.png")
	output := filepath.Join(f.dir, "final.png")

	m := jobs.NewManager(jobs.NewFileStore(filepath.Join(f.dir, "jobs")), nil, nil)
	m.Init(ctx)
	m.CreateJob(ctx, "job-a")
	m.AddStep(ctx, "job-a", state.Args{
		state.KeyProcessors: []string{filters.FrameSharpenerName},
		state.KeyTargetPath: target,
		state.KeyOutputPath: output,
	})
	m.RemixStep(ctx, "job-a", 0, state.Args{
		state.KeyProcessors: []string{filters.FaceBlurName},
		state.KeyOutputPath: output,
	})
	m.SubmitJob(ctx, "job-a")

	r := jobs.NewRunner(m, nil, filepath.Join(f.dir, "work"), nil)
	if !r.RunJob(ctx, "job-a", f.pipeline.ProcessStep) {
		t.Fatal("RunJob() = false")
	}
	if _, err := imaging.Open(output); err != nil {
		t.Errorf("final output unreadable: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(f.dir, "final-job-a-*"))
	if len(matches) != 0 {
		t.Errorf("step outputs left behind: %v", matches)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeSuccess},
		{errors.New("boom"), CodeError},
		{fmt.Errorf("wrap: %w", ffmpeg.ErrStopped), CodeStopped},
		{fmt.Errorf("wrap: %w", processors.ErrValidation), CodeValidation},
		{taskError("setup", CodeContentRejected, ErrContentRejected), CodeContentRejected},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !strings.Contains(taskError("merge_video", CodeError, errors.New("exit 1")).Error(), "merge_video") {
		t.Error("TaskError does not name its stage")
	}
}

func TestRestrictFPS(t *testing.T) {
	tests := []struct{ source, requested, want float64 }{
		{30, 0, 30},
		{30, 25, 25},
		{24, 60, 24},
		{0, 0, defaultFPS},
	}
	for _, tt := range tests {
		if got := restrictFPS(tt.source, tt.requested); got != tt.want {
			t.Errorf("restrictFPS(%v, %v) = %v, want %v", tt.source, tt.requested, got, tt.want)
		}
	}
}
