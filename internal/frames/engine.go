// Package frames distributes on-disk temp frames across a bounded worker
// pool.
package frames

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/state"
)

// Payload is one unit of dispatch: a temp frame and its position in the
// filename-sorted sequence.
type Payload struct {
	FrameNumber int    `json:"frame_number"`
	FramePath   string `json:"frame_path"`
}

// UpdateProgress is called once per completed frame. It is safe for
// concurrent use.
type UpdateProgress func()

// ProcessFramesFunc processes every payload of a chunk in place.
type ProcessFramesFunc func(ctx context.Context, sourcePaths []string, chunk []Payload, update UpdateProgress) error

// ProgressFunc observes overall progress.
type ProgressFunc func(done, total int)

// Engine runs ProcessFramesFunc over chunks of payloads.
type Engine struct {
	store       *state.Store
	threadCount int
	queueCount  int
	logger      *slog.Logger
}

// NewEngine uses threadCount and queueCount unless the execution context
// in the state store overrides them.
func NewEngine(store *state.Store, threadCount, queueCount int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		store:       store,
		threadCount: max(threadCount, 1),
		queueCount:  max(queueCount, 1),
		logger:      logging.WithComponent(logger, "frames"),
	}
}

// Payloads builds one payload per frame path, ordered by file name.
func Payloads(framePaths []string) []Payload {
	sorted := append([]string(nil), framePaths...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return filepath.Base(sorted[i]) < filepath.Base(sorted[j])
	})
	payloads := make([]Payload, len(sorted))
	for i, p := range sorted {
		payloads[i] = Payload{FrameNumber: i, FramePath: p}
	}
	return payloads
}

// ChunkSize is total/threads*queue, at least 1.
func ChunkSize(total, threadCount, queueCount int) int {
	if threadCount < 1 {
		threadCount = 1
	}
	return max(total/threadCount*queueCount, 1)
}

// Chunk splits payloads into consecutive slices of at most size.
func Chunk(payloads []Payload, size int) [][]Payload {
	if size < 1 {
		size = 1
	}
	chunks := make([][]Payload, 0, (len(payloads)+size-1)/size)
	for start := 0; start < len(payloads); start += size {
		end := min(start+size, len(payloads))
		chunks = append(chunks, payloads[start:end])
	}
	return chunks
}

// MultiProcessFrames dispatches every chunk to the worker pool and blocks
// until all of them finish. The first error (including a recovered panic)
// is returned after every chunk has completed. It returns the number of
// frames reported done.
func (e *Engine) MultiProcessFrames(ctx context.Context, sourcePaths, framePaths []string, fn ProcessFramesFunc, onProgress ProgressFunc) (int, error) {
	threads, queue := e.execution(ctx)
	payloads := Payloads(framePaths)
	total := len(payloads)
	chunks := Chunk(payloads, ChunkSize(total, threads, queue))

	e.logger.Debug("dispatching frames",
		"frames", total,
		"chunks", len(chunks),
		"threads", threads,
		"queue", queue,
	)

	var done atomic.Int64
	var lastDecile atomic.Int64
	update := func() {
		n := int(done.Add(1))
		if onProgress != nil {
			onProgress(n, total)
		}
		if total > 0 {
			decile := int64(n * 10 / total)
			if prev := lastDecile.Load(); decile > prev && lastDecile.CompareAndSwap(prev, decile) {
				e.logger.Debug("frame progress", "done", n, "total", total)
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(threads)
	for _, chunk := range chunks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("frame worker panic: %v\n%s", r, debug.Stack())
				}
			}()
			return fn(ctx, sourcePaths, chunk, update)
		})
	}
	err := g.Wait()
	return int(done.Load()), err
}

func (e *Engine) execution(ctx context.Context) (int, int) {
	threads, queue := e.threadCount, e.queueCount
	if e.store != nil {
		args := e.store.Args(ctx)
		if v := args.Int(state.KeyExecutionThreadCount); v > 0 {
			threads = v
		}
		if v := args.Int(state.KeyExecutionQueueCount); v > 0 {
			queue = v
		}
	}
	return threads, queue
}
