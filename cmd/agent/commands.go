package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/state"
	"github.com/framesmith/framesmith-agent/internal/workflow"
)

// listFlag collects a repeatable or comma separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

// stepFlags binds the step arguments a command line may override. Unset
// flags keep the batch defaults.
type stepFlags struct {
	fs         *flag.FlagSet
	sources    listFlag
	processors listFlag
	target     string
	output     string
	set        listFlag
}

func newStepFlags(name string) *stepFlags {
	f := &stepFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.Var(&f.sources, "source", "source file, repeatable")
	f.fs.Var(&f.processors, "processors", "processor names, comma separated")
	f.fs.StringVar(&f.target, "target", "", "target image or video")
	f.fs.StringVar(&f.output, "output", "", "output path")
	f.fs.Var(&f.set, "set", "extra step argument key=value, repeatable")
	return f
}

func (f *stepFlags) args(stepKeys []string) (state.Args, error) {
	args := state.Args{}
	if len(f.sources) > 0 {
		args[state.KeySourcePaths] = []string(f.sources)
	}
	if len(f.processors) > 0 {
		args[state.KeyProcessors] = []string(f.processors)
	}
	if f.target != "" {
		args[state.KeyTargetPath] = f.target
	}
	if f.output != "" {
		args[state.KeyOutputPath] = f.output
	}
	allowed := map[string]bool{}
	for _, k := range stepKeys {
		allowed[k] = true
	}
	for _, kv := range f.set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !allowed[k] {
			return nil, fmt.Errorf("invalid -set %q", kv)
		}
		args[k] = v
	}
	return args, nil
}

// processCommand runs one invocation and exits with its error code.
func processCommand(ctx context.Context, a *app, argv []string) (int, error) {
	f := newStepFlags("process")
	if err := f.fs.Parse(argv); err != nil {
		return int(workflow.CodeValidation), nil
	}
	args, err := f.args(a.store.StepKeys())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(workflow.CodeValidation), nil
	}
	stop := context.AfterFunc(ctx, func() { _ = a.proc.Stop() })
	defer stop()

	ctx = state.WithExecutionContext(ctx, state.Batch)
	code := a.pipeline.Process(ctx, args)
	return int(code), nil
}

func runJobsCommand(ctx context.Context, a *app, argv []string, retry bool) (int, error) {
	fs := flag.NewFlagSet("run-jobs", flag.ContinueOnError)
	halt := fs.Bool("halt", false, "stop at the first failed job")
	if err := fs.Parse(argv); err != nil {
		return 2, nil
	}
	stop := context.AfterFunc(ctx, func() { _ = a.proc.Stop() })
	defer stop()

	var ok bool
	if retry {
		ok = a.runner.RetryJobs(ctx, a.pipeline.ProcessStep, *halt)
	} else {
		ok = a.runner.RunJobs(ctx, a.pipeline.ProcessStep, *halt)
	}
	if !ok {
		return 1, nil
	}
	return 0, nil
}

// jobCommand authors jobs from the command line. Step arguments are
// layered over the batch defaults before they are frozen.
func jobCommand(ctx context.Context, a *app, argv []string) (int, error) {
	if len(argv) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2, nil
	}
	op, rest := argv[0], argv[1:]

	if op == "list" {
		return listJobs(ctx, a, rest)
	}

	f := newStepFlags("job " + op)
	if err := f.fs.Parse(rest); err != nil {
		return 2, nil
	}
	pos := f.fs.Args()
	if len(pos) == 0 {
		return 2, errors.New("job id required")
	}
	id := pos[0]
	index := 0
	if len(pos) > 1 {
		n, err := strconv.Atoi(pos[1])
		if err != nil {
			return 2, fmt.Errorf("invalid step index %q", pos[1])
		}
		index = n
	}

	stepArgs := func() (state.Args, error) {
		overrides, err := f.args(a.store.StepKeys())
		if err != nil {
			return nil, err
		}
		return a.store.StepDefaults().Merge(overrides), nil
	}

	var ok bool
	switch op {
	case "create":
		if id == "-" {
			id = jobs.NewJobID()
		}
		if err := jobs.ValidateJobID(id); err != nil {
			return 2, err
		}
		ok = a.manager.CreateJob(ctx, id)
		if ok {
			fmt.Println(id)
		}
	case "add-step", "remix-step", "insert-step":
		args, err := stepArgs()
		if err != nil {
			return 2, err
		}
		switch op {
		case "add-step":
			ok = a.manager.AddStep(ctx, id, args)
		case "remix-step":
			ok = a.manager.RemixStep(ctx, id, index, args)
		default:
			ok = a.manager.InsertStep(ctx, id, index, args)
		}
	case "remove-step":
		ok = a.manager.RemoveStep(ctx, id, index)
	case "submit":
		ok = a.manager.SubmitJob(ctx, id)
	case "delete":
		ok = a.manager.DeleteJob(ctx, id)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2, nil
	}
	if !ok {
		return 1, nil
	}
	return 0, nil
}

func listJobs(ctx context.Context, a *app, argv []string) (int, error) {
	fs := flag.NewFlagSet("job list", flag.ContinueOnError)
	status := fs.String("status", "", "only list jobs in this status")
	if err := fs.Parse(argv); err != nil {
		return 2, nil
	}
	statuses := jobs.JobStatuses
	if *status != "" {
		st, err := jobs.ParseStatus(*status)
		if err != nil || !st.IsJobStatus() {
			return 2, fmt.Errorf("unknown job status %q", *status)
		}
		statuses = []jobs.Status{st}
	}

	enc := json.NewEncoder(os.Stdout)
	for _, st := range statuses {
		for _, info := range a.manager.FindJobs(ctx, st) {
			if err := enc.Encode(info); err != nil {
				return 1, err
			}
		}
	}
	return 0, nil
}
