// Package jobs runs long-running recognitions in the background and keeps
// their status for polling. The registry lives in memory only; jobs are
// never evicted and do not survive a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speech-engine-bridge/pkg/speech"
)

// Status is the lifecycle status of a job.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// ErrNotFound is returned for an id the registry never issued.
var ErrNotFound = errors.New("job not found")

// ErrShutdown is recorded on jobs interrupted by Shutdown.
var ErrShutdown = errors.New("registry shut down")

// Runner performs the recognition behind a job.
type Runner interface {
	Run(ctx context.Context, req speech.RecognizeRequest) (*speech.RecognizeResponse, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req speech.RecognizeRequest) (*speech.RecognizeResponse, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
	return f(ctx, req)
}

// View is a point-in-time snapshot of a job. Result is shared with the
// registry and must not be modified.
type View struct {
	ID        string
	Status    Status
	Result    *speech.RecognizeResponse
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether the job reached a terminal status.
func (v View) Done() bool {
	return v.Status != StatusRunning
}

type job struct {
	view View
	done chan struct{}
}

// Observer is notified of job lifecycle events.
type Observer interface {
	JobStarted()
	JobFinished(v View)
}

// Registry owns all jobs of the process.
type Registry struct {
	runner    Runner
	logger    zerolog.Logger
	observers []Observer
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*job
	order  []string
	closed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver adds a receiver of job lifecycle events. It may be given
// more than once.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithTimeout bounds each job. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// New returns a registry running jobs with runner.
func New(runner Runner, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		runner: runner,
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit registers a RUNNING job for req, starts it in the background and
// returns its id.
func (r *Registry) Submit(req speech.RecognizeRequest) string {
	id := uuid.NewString()
	now := time.Now()
	j := &job{
		view: View{ID: id, Status: StatusRunning, CreatedAt: now, UpdatedAt: now},
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[id] = j
	r.order = append(r.order, id)
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	for _, o := range r.observers {
		o.JobStarted()
	}
	r.logger.Info().Str("jobId", id).Msg("Job submitted")

	if closed {
		r.complete(j, nil, fmt.Errorf("jobs: %w", ErrShutdown))
		return id
	}
	go r.run(j, req)
	return id
}

// Get returns a snapshot of job id.
func (r *Registry) Get(id string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return View{}, fmt.Errorf("jobs: %w: %s", ErrNotFound, id)
	}
	return j.view, nil
}

// List returns all job ids in submission order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Wait blocks until job id finishes or ctx is done, and returns the latest
// snapshot either way.
func (r *Registry) Wait(ctx context.Context, id string) (View, error) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return View{}, fmt.Errorf("jobs: %w: %s", ErrNotFound, id)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
	}
	return r.Get(id)
}

// Shutdown cancels running jobs and waits for them to record their
// outcome, or for ctx to end. Jobs submitted afterwards fail at once with
// ErrShutdown.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) run(j *job, req speech.RecognizeRequest) {
	defer r.wg.Done()

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		resp *speech.RecognizeResponse
		err  error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("jobs: task panicked: %v", p)
			}
		}()
		resp, err = r.runner.Run(ctx, req)
	}()

	if err != nil && r.ctx.Err() != nil {
		err = fmt.Errorf("jobs: %w: %w", ErrShutdown, err)
	}
	r.complete(j, resp, err)
}

func (r *Registry) complete(j *job, resp *speech.RecognizeResponse, err error) {
	r.mu.Lock()
	j.view.UpdatedAt = time.Now()
	if err != nil {
		j.view.Status = StatusError
		j.view.Err = err
	} else {
		if resp == nil {
			resp = &speech.RecognizeResponse{}
		}
		j.view.Status = StatusDone
		j.view.Result = resp
	}
	v := j.view
	close(j.done)
	r.mu.Unlock()

	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.Str("jobId", v.ID).
		Str("status", string(v.Status)).
		Dur("elapsed", v.UpdatedAt.Sub(v.CreatedAt)).
		Msg("Job finished")

	for _, o := range r.observers {
		o.JobFinished(v)
	}
}
