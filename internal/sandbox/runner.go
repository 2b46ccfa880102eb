package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

// Launcher executes one sandboxed invocation. DockerSandbox is the
// production implementation.
type Launcher interface {
	Launch(ctx context.Context, input *Input) (*Result, error)
}

type job struct {
	ctx    context.Context
	input  *Input
	result chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Runner is a bounded FIFO worker pool in front of a Launcher. At most
// maxConcurrent containers run at once; further requests queue in arrival
// order.
type Runner struct {
	launcher      Launcher
	maxConcurrent int
	logger        *slog.Logger

	mu     sync.Mutex
	queue  []*job
	active int
}

// NewRunner creates a pool around a launcher.
func NewRunner(launcher Launcher, maxConcurrent int, logger *slog.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		launcher:      launcher,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Run enqueues one invocation and blocks until it finishes or ctx ends.
// A cancelled job that has not started yet is dropped from the queue.
func (r *Runner) Run(ctx context.Context, input *Input) (*Result, error) {
	j := &job{ctx: ctx, input: input, result: make(chan jobResult, 1)}

	r.mu.Lock()
	r.queue = append(r.queue, j)
	r.mu.Unlock()
	r.pump()

	select {
	case out := <-j.result:
		return out.res, out.err
	case <-ctx.Done():
		r.remove(j)
		return nil, ctx.Err()
	}
}

// Stats reports queue depth and active container count.
func (r *Runner) Stats() (queued, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue), r.active
}

// pump launches queued jobs while capacity remains.
func (r *Runner) pump() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.active < r.maxConcurrent && len(r.queue) > 0 {
		j := r.queue[0]
		r.queue = r.queue[1:]
		r.active++

		go func(j *job) {
			res, err := r.launcher.Launch(j.ctx, j.input)
			j.result <- jobResult{res: res, err: err}

			r.mu.Lock()
			r.active--
			r.mu.Unlock()
			r.pump()
		}(j)
	}
}

// remove drops a not-yet-started job from the queue.
func (r *Runner) remove(target *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.queue {
		if j == target {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}
