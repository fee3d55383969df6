// Package workflow stages images and videos through the processor chain:
// temp workspace, frame extraction, frame processing, merge and
// finalization, all bracketed by the process lifecycle.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/framesmith/framesmith-agent/internal/faces"
	"github.com/framesmith/framesmith-agent/internal/ffmpeg"
	"github.com/framesmith/framesmith-agent/internal/inference"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/process"
	"github.com/framesmith/framesmith-agent/internal/processors"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/vision"
)

const defaultFPS = 25.0

// Encoder is the part of the external encoder the pipeline drives.
type Encoder interface {
	ExtractFrames(ctx context.Context, target, framePattern string, opts ffmpeg.ExtractOptions, progress ffmpeg.Progress) error
	MergeVideo(ctx context.Context, framePattern, output string, opts ffmpeg.MergeOptions, progress ffmpeg.Progress) error
	RestoreAudio(ctx context.Context, target, video, output string, fps float64, trimStart, trimEnd int) error
	ReadVideoFrame(ctx context.Context, video string, frameNumber int) (image.Image, error)
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

// ContentChecker decides whether a target may be processed.
type ContentChecker interface {
	Allowed(ctx context.Context, mediaPath string) (bool, error)
}

type Config struct {
	Store      *state.Store
	Process    *process.Manager
	Registry   *processors.Registry
	Encoder    Encoder
	Content    ContentChecker
	Detector   faces.Detector
	References *faces.References
	TempPath   string
	Logger     *slog.Logger
}

// Status is the stage of the invocation currently running.
type Status struct {
	Target   string    `json:"target,omitempty"`
	Stage    string    `json:"stage"`
	Done     int       `json:"done"`
	Total    int       `json:"total"`
	Started  time.Time `json:"started,omitempty"`
	LastCode ErrorCode `json:"last_code"`
}

type Pipeline struct {
	store      *state.Store
	proc       *process.Manager
	registry   *processors.Registry
	encoder    Encoder
	content    ContentChecker
	detector   faces.Detector
	references *faces.References
	workspace  *Workspace
	logger     *slog.Logger

	// run serializes invocations; the state store holds one set of
	// arguments per execution context.
	run sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.References == nil {
		cfg.References = faces.NewReferences()
	}
	if cfg.Process == nil {
		cfg.Process = process.NewManager()
	}
	return &Pipeline{
		store:      cfg.Store,
		proc:       cfg.Process,
		registry:   cfg.Registry,
		encoder:    cfg.Encoder,
		content:    cfg.Content,
		detector:   cfg.Detector,
		references: cfg.References,
		workspace:  NewWorkspace(cfg.TempPath),
		logger:     logging.WithComponent(cfg.Logger, "workflow"),
		status:     Status{Stage: "idle"},
	}
}

func (p *Pipeline) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Pipeline) setStage(stage string) {
	p.statusMu.Lock()
	p.status.Stage = stage
	p.status.Done, p.status.Total = 0, 0
	p.statusMu.Unlock()
}

func (p *Pipeline) setProgress(done, total int) {
	p.statusMu.Lock()
	p.status.Done, p.status.Total = done, total
	p.statusMu.Unlock()
}

// Process applies args to the execution context carried by ctx, runs the
// pre-checks and processes the target once.
func (p *Pipeline) Process(ctx context.Context, args state.Args) ErrorCode {
	p.run.Lock()
	defer p.run.Unlock()

	p.references.Clear()
	p.store.ApplyStep(ctx, args)
	for _, proc := range p.registry.All() {
		proc.ApplyArgs(ctx, args)
	}
	if err := p.PreCheck(ctx); err != nil {
		p.logger.Error("pre-check failed", "error", err)
		return CodeOf(err)
	}
	return p.ConditionalProcess(ctx)
}

// PreCheck resolves the configured processors and verifies their models.
// The lifecycle stays in checking meanwhile so no inference pool is built
// from a model that is still being validated.
func (p *Pipeline) PreCheck(ctx context.Context) error {
	if err := p.proc.Check(); err != nil {
		return taskError("pre_check", CodeError, err)
	}
	defer p.proc.End()

	procs, err := p.processors(ctx)
	if err != nil {
		return taskError("pre_check", CodeValidation, err)
	}
	for _, proc := range procs {
		if err := proc.PreCheck(ctx); err != nil {
			return taskError("pre_check", CodeValidation, err)
		}
	}
	return nil
}

func (p *Pipeline) processors(ctx context.Context) ([]processors.Processor, error) {
	names := p.store.Args(ctx).Strings(state.KeyProcessors)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no processors selected", processors.ErrValidation)
	}
	return p.registry.Resolve(names)
}

// ConditionalProcess validates every active processor, bootstraps
// reference faces and dispatches to the image or video task list.
func (p *Pipeline) ConditionalProcess(ctx context.Context) ErrorCode {
	start := time.Now()
	procs, err := p.processors(ctx)
	if err != nil {
		p.logger.Error("resolve processors failed", "error", err)
		return CodeValidation
	}
	for _, proc := range procs {
		if err := proc.PreProcess(ctx, processors.ModeOutput); err != nil {
			p.logger.Error("pre-process failed", "processor", proc.Name(), "error", err)
			return CodeValidation
		}
	}

	if err := p.appendReferenceFaces(ctx, procs); err != nil {
		p.logger.Warn("reference face bootstrap failed", "error", err)
	}

	target := p.store.Args(ctx).String(state.KeyTargetPath)
	var tasks []task
	switch {
	case vision.IsImage(target):
		tasks = p.imageTasks(procs)
	case vision.IsVideo(target):
		tasks = p.videoTasks(procs)
	default:
		return CodeSuccess
	}

	code := p.runTasks(ctx, target, tasks)
	p.clearInactivePools(ctx, procs)
	if code == CodeSuccess {
		p.logger.Info("processing finished", "target", logging.SanitizePath(target), "duration", time.Since(start).Round(time.Millisecond))
	}
	return code
}

type task struct {
	stage string
	run   func(ctx context.Context, r *invocation) error
}

// invocation is the snapshot the tasks of one run share.
type invocation struct {
	args        state.Args
	sourcePaths []string
	target      string
	output      string
	fps         float64
	resolution  image.Point
}

func (p *Pipeline) runTasks(ctx context.Context, target string, tasks []task) ErrorCode {
	if err := p.proc.Start(); err != nil {
		p.logger.Error("cannot start processing", "state", p.proc.State(), "error", err)
		return CodeError
	}
	defer p.proc.End()

	p.statusMu.Lock()
	p.status = Status{Target: logging.SanitizePath(target), Stage: "setup", Started: time.Now()}
	p.statusMu.Unlock()

	args := p.store.Args(ctx)
	r := &invocation{
		args:        args,
		sourcePaths: args.Strings(state.KeySourcePaths),
		target:      target,
		output:      args.String(state.KeyOutputPath),
	}

	code := CodeSuccess
	for _, t := range tasks {
		p.setStage(t.stage)
		if err := t.run(ctx, r); err != nil {
			code = CodeOf(err)
			if code != CodeStopped && p.proc.IsStopping() {
				code = CodeStopped
			}
			if code == CodeStopped {
				p.logger.Info("processing stopped", "stage", t.stage)
			} else {
				p.logger.Error("processing failed", "stage", t.stage, "code", code, "error", err)
			}
			p.clearTemp(r)
			break
		}
	}

	p.statusMu.Lock()
	p.status.Stage = "idle"
	p.status.LastCode = code
	p.statusMu.Unlock()
	return code
}

// stopped turns an observed stop request into ErrStopped.
func (p *Pipeline) stopped(stage string) error {
	if p.proc.IsStopping() {
		return taskError(stage, CodeStopped, ErrStopped)
	}
	return nil
}

// setup rejects flagged content and prepares a fresh temp directory.
func (p *Pipeline) setup(ctx context.Context, r *invocation) error {
	if p.content != nil {
		ok, err := p.content.Allowed(ctx, r.target)
		if err != nil {
			return taskError("setup", CodeError, err)
		}
		if !ok {
			return taskError("setup", CodeContentRejected, ErrContentRejected)
		}
	}
	if err := p.workspace.Reset(r.target); err != nil {
		return taskError("setup", CodeError, err)
	}
	return nil
}

// processWith runs each processor in turn. Every processor releases its
// pool per the memory strategy even when it failed.
func (p *Pipeline) processWith(ctx context.Context, procs []processors.Processor, stage string, each func(processors.Processor) error) error {
	for _, proc := range procs {
		p.logger.Info("processing", "processor", proc.Name())
		err := each(proc)
		proc.PostProcess(ctx)
		if err != nil {
			if p.proc.IsStopping() {
				return taskError(stage, CodeStopped, ErrStopped)
			}
			return taskError(stage, CodeOf(err), err)
		}
		if err := p.stopped(stage); err != nil {
			return err
		}
	}
	return nil
}

// clearInactivePools releases pools of processors that did not run when
// the memory strategy clears everything.
func (p *Pipeline) clearInactivePools(ctx context.Context, active []processors.Processor) {
	strategy, err := inference.ParseMemoryStrategy(p.store.Args(ctx).String(state.KeyVideoMemoryStrategy))
	if err != nil || !strategy.Clears(false) {
		return
	}
	ran := make(map[string]bool, len(active))
	for _, proc := range active {
		ran[proc.Name()] = true
	}
	for _, proc := range p.registry.All() {
		if !ran[proc.Name()] {
			proc.ClearInferencePool(ctx)
		}
	}
}

// appendReferenceFaces detects the reference face once per invocation so
// every frame reuses it. Processors that alter faces also get the face as
// it looks after they ran.
func (p *Pipeline) appendReferenceFaces(ctx context.Context, procs []processors.Processor) error {
	args := p.store.Args(ctx)
	if faces.SelectorMode(args.String(state.KeyFaceSelectorMode)) != faces.SelectReference ||
		!p.references.Empty() || p.detector == nil {
		return nil
	}

	var sourceFaces []faces.Face
	for _, src := range args.Strings(state.KeySourcePaths) {
		if !vision.IsImage(src) {
			continue
		}
		frame, err := vision.ReadFrame(src)
		if err != nil {
			return err
		}
		found, err := p.detector.Detect(ctx, frame)
		if err != nil {
			return fmt.Errorf("detect source faces: %w", err)
		}
		sourceFaces = append(sourceFaces, faces.Sort(found)...)
	}
	sourceFace, hasSource := faces.Average(sourceFaces)

	target := args.String(state.KeyTargetPath)
	var frame image.Image
	var err error
	switch {
	case vision.IsVideo(target):
		if p.encoder == nil {
			return errors.New("no encoder to read the reference frame")
		}
		frame, err = p.encoder.ReadVideoFrame(ctx, target, args.Int(state.KeyReferenceFrameNumber))
	case vision.IsImage(target):
		frame, err = vision.ReadFrame(target)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reference frame: %w", err)
	}

	position := args.Int(state.KeyReferenceFacePosition)
	found, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("detect reference faces: %w", err)
	}
	referenceFace, ok := faces.At(faces.Sort(found), position)
	if !ok {
		return nil
	}
	p.references.Append(processors.OriginReference, referenceFace)
	if !hasSource {
		return nil
	}

	for _, proc := range procs {
		framer, ok := proc.(processors.ReferenceFramer)
		if !ok {
			continue
		}
		abstract, err := framer.ReferenceFrame(ctx, sourceFace, referenceFace, frame)
		if err != nil || abstract == nil {
			continue
		}
		found, err := p.detector.Detect(ctx, abstract)
		if err != nil {
			continue
		}
		if f, ok := faces.At(faces.Sort(found), position); ok {
			p.references.Append(proc.Name(), f)
		}
	}
	return nil
}

func (p *Pipeline) keepTemp(r *invocation) bool {
	return r.args.Bool(state.KeyKeepTemp)
}

func (p *Pipeline) clearTemp(r *invocation) {
	if p.keepTemp(r) {
		return
	}
	if err := p.workspace.Clear(r.target); err != nil {
		p.logger.Warn("failed to clear temp directory", "error", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
