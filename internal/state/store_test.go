package state

import (
	"context"
	"encoding/json"
	"testing"
)

func TestExecutionContextFrom_DefaultsToBatch(t *testing.T) {
	if got := ExecutionContextFrom(context.Background()); got != Batch {
		t.Errorf("ExecutionContextFrom(background) = %q, want %q", got, Batch)
	}
	ctx := WithExecutionContext(context.Background(), Interactive)
	if got := ExecutionContextFrom(ctx); got != Interactive {
		t.Errorf("ExecutionContextFrom(tagged) = %q, want %q", got, Interactive)
	}
	if Interactive.Other() != Batch || Batch.Other() != Interactive {
		t.Error("Other() does not swap contexts")
	}
}

func TestStore_InitItemVisibleInBothContexts(t *testing.T) {
	s := NewStore()
	s.InitItem(KeyTempFrameFormat, "png")

	batch := WithExecutionContext(context.Background(), Batch)
	interactive := WithExecutionContext(context.Background(), Interactive)

	if s.Get(batch, KeyTempFrameFormat) != "png" || s.Get(interactive, KeyTempFrameFormat) != "png" {
		t.Fatal("InitItem value not visible in both contexts")
	}
}

func TestStore_SetIsolatedPerContext(t *testing.T) {
	s := NewStore()
	batch := WithExecutionContext(context.Background(), Batch)
	interactive := WithExecutionContext(context.Background(), Interactive)

	s.Set(interactive, KeyTargetPath, "ui.mp4")
	s.Set(batch, KeyTargetPath, "cli.mp4")

	if got := s.Get(interactive, KeyTargetPath); got != "ui.mp4" {
		t.Errorf("interactive target = %v, want ui.mp4", got)
	}
	if got := s.Get(batch, KeyTargetPath); got != "cli.mp4" {
		t.Errorf("batch target = %v, want cli.mp4", got)
	}

	s.SyncItem(KeyTargetPath)
	if got := s.Get(interactive, KeyTargetPath); got != "cli.mp4" {
		t.Errorf("after SyncItem interactive target = %v, want cli.mp4", got)
	}

	s.Clear(batch, KeyTargetPath)
	if got := s.Get(batch, KeyTargetPath); got != nil {
		t.Errorf("after Clear batch target = %v, want nil", got)
	}
}

func TestStore_ArgsReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Set(ctx, KeyProcessors, []string{"face_blur"})

	args := s.Args(ctx)
	procs := args[KeyProcessors].([]string)
	procs[0] = "mutated"

	if got := s.Args(ctx).Strings(KeyProcessors); got[0] != "face_blur" {
		t.Errorf("store mutated through snapshot: %v", got)
	}
}

func TestStore_StepArgsOnlyStepKeys(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Apply(ctx, Args{
		KeyTargetPath:           "t.mp4",
		KeyOutputPath:           "o.mp4",
		KeyExecutionThreadCount: 8,
		"face_blur_amount":      5,
	})

	step := s.StepArgs(ctx)
	if step.String(KeyTargetPath) != "t.mp4" || step.String(KeyOutputPath) != "o.mp4" {
		t.Errorf("step args missing paths: %v", step)
	}
	if step.Has(KeyExecutionThreadCount) {
		t.Error("execution settings leaked into step args")
	}
	if step.Has("face_blur_amount") {
		t.Error("unregistered key leaked into step args")
	}

	s.RegisterStepKeys("face_blur_amount")
	if got := s.StepArgs(ctx).Int("face_blur_amount"); got != 5 {
		t.Errorf("registered processor key = %d, want 5", got)
	}
}

func TestArgs_JSONShapes(t *testing.T) {
	var args Args
	if err := json.Unmarshal([]byte(`{"n":3,"f":0.5,"list":["a","b"],"b":true,"s":"x"}`), &args); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if args.Int("n") != 3 {
		t.Errorf("Int(n) = %d, want 3", args.Int("n"))
	}
	if args.Float("f") != 0.5 {
		t.Errorf("Float(f) = %v, want 0.5", args.Float("f"))
	}
	if got := args.Strings("list"); len(got) != 2 || got[1] != "b" {
		t.Errorf("Strings(list) = %v", got)
	}
	if !args.Bool("b") {
		t.Error("Bool(b) = false, want true")
	}
	if args.String("s") != "x" || args.String("missing") != "" {
		t.Error("String getter mismatch")
	}
	if args.String("n") != "3" {
		t.Errorf("String(n) = %q, want 3", args.String("n"))
	}
}

func TestArgs_Merge(t *testing.T) {
	base := Args{"a": 1, "b": 2}
	merged := base.Merge(Args{"b": 3, "c": 4})

	if merged.Int("a") != 1 || merged.Int("b") != 3 || merged.Int("c") != 4 {
		t.Errorf("Merge() = %v", merged)
	}
	if base.Int("b") != 2 {
		t.Error("Merge mutated receiver")
	}
}

func TestStore_ApplyStepResetsOmittedKeys(t *testing.T) {
	s := NewStore()
	s.InitItem(KeyFaceSelectorMode, "many")
	s.InitItem(KeyExecutionThreadCount, 4)
	ctx := WithExecutionContext(context.Background(), Batch)

	s.ApplyStep(ctx, Args{
		KeyTargetPath:            "a.png",
		KeyOutputImageResolution: "4x4",
		KeyFaceSelectorMode:      "one",
	})
	s.Set(ctx, KeyExecutionThreadCount, 8)

	s.ApplyStep(ctx, Args{KeyTargetPath: "b.png"})
	args := s.Args(ctx)
	if args.Has(KeyOutputImageResolution) {
		t.Errorf("resolution carried over: %v", args[KeyOutputImageResolution])
	}
	if got := args.String(KeyFaceSelectorMode); got != "many" {
		t.Errorf("selector mode = %q, want default many", got)
	}
	if got := args.String(KeyTargetPath); got != "b.png" {
		t.Errorf("target = %q, want b.png", got)
	}
	if got := args.Int(KeyExecutionThreadCount); got != 8 {
		t.Errorf("execution setting = %d, want 8 (not a step key)", got)
	}
	if got := s.Args(context.Background()).String(KeyTargetPath); got != "b.png" {
		t.Errorf("batch is the default context, got %q", got)
	}
	if s.Args(WithExecutionContext(context.Background(), Interactive)).Has(KeyTargetPath) {
		t.Error("step applied to the wrong context")
	}
}

func TestStore_StepDefaults(t *testing.T) {
	s := NewStore()
	s.InitItem(KeyOutputImageQuality, 90)
	s.InitItem(KeyTempPath, "/tmp/x")
	ctx := context.Background()
	s.ApplyStep(ctx, Args{KeyTargetPath: "t.png", KeyOutputImageQuality: 10})

	d := s.StepDefaults()
	if d.Has(KeyTargetPath) {
		t.Error("run arguments leaked into defaults")
	}
	if d.Int(KeyOutputImageQuality) != 90 {
		t.Errorf("quality default = %d, want 90", d.Int(KeyOutputImageQuality))
	}
	if d.Has(KeyTempPath) {
		t.Error("non-step key in step defaults")
	}
}
