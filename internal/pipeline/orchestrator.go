package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/events"
	"github.com/mattjoyce/repobench/internal/fetch"
	"github.com/mattjoyce/repobench/internal/log"
	"github.com/mattjoyce/repobench/internal/runner"
	"github.com/mattjoyce/repobench/internal/workspace"
)

const tracerName = "github.com/mattjoyce/repobench/internal/pipeline"

// Orchestrator fans jobs out and joins them in spawn order.
type Orchestrator struct {
	workspaces    workspace.Manager
	fetcher       fetch.Fetcher
	runner        Runner
	hub           *events.Hub
	tracer        trace.Tracer
	newID         func() string
	now           func() time.Time
	maxConcurrent int
	logger        *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithHub publishes job events to hub.
func WithHub(hub *events.Hub) Option {
	return func(o *Orchestrator) { o.hub = hub }
}

// WithMaxConcurrent caps how many jobs run at once. n <= 0 means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrent = n }
}

// WithIDFunc overrides workspace ID generation.
func WithIDFunc(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(ws workspace.Manager, f fetch.Fetcher, r Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workspaces: ws,
		fetcher:    f,
		runner:     r,
		tracer:     otel.Tracer(tracerName),
		newID:      uuid.NewString,
		now:        time.Now,
		logger:     log.WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAll builds the job list and runs it, returning results in spawn order.
// The error is non-nil only for a join failure; job failures are reported in
// the results.
func (o *Orchestrator) RunAll(ctx context.Context, commands []config.Command, repos []config.Repository, sshKey string) ([]JobResult, error) {
	specs := BuildSpecs(commands, repos, sshKey)
	results := make([]JobResult, 0, len(specs))
	err := o.Run(ctx, specs, func(r JobResult) error {
		results = append(results, r)
		return nil
	})
	return results, err
}

type jobOutcome struct {
	result JobResult
	panic  any
	stack  []byte
}

// Run spawns one goroutine per spec and hands each result to deliver in
// spawn order. deliver is called from the caller's goroutine.
func (o *Orchestrator) Run(ctx context.Context, specs []JobSpec, deliver func(JobResult) error) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var sem *semaphore.Weighted
	if o.maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(o.maxConcurrent))
	}

	started := o.now()
	handles := make([]chan jobOutcome, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		id := o.newID()
		handle := make(chan jobOutcome, 1)
		handles[i] = handle

		o.publish(events.TypeJobSpawned, events.JobSpawned{
			JobID:         id,
			Index:         spec.Index,
			Label:         spec.Label,
			RepositoryURL: spec.RepositoryURL,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					handle <- jobOutcome{panic: p, stack: debug.Stack()}
				}
			}()
			res := o.runJob(runCtx, sem, id, spec)
			o.transition(id, StateDone, "", nil, 0)
			o.completed(id, res)
			handle <- jobOutcome{result: res}
		}()
	}

	failed := 0
	for i, handle := range handles {
		out := <-handle
		var joinErr error
		if out.panic != nil {
			o.logger.Error("job panicked", "index", i, "panic", out.panic, "stack", string(out.stack))
			joinErr = &JoinError{Index: i, Cause: fmt.Errorf("job panicked: %v", out.panic)}
		} else if err := deliver(out.result); err != nil {
			joinErr = &JoinError{Index: i, Cause: err}
		}
		if joinErr != nil {
			o.logger.Error("aborting run", "error", joinErr, "undelivered", len(handles)-i)
			cancel(joinErr)
			wg.Wait()
			return joinErr
		}
		if !out.result.Succeeded() {
			failed++
		}
	}

	o.publish(events.TypeRunCompleted, events.RunCompleted{
		Jobs:      len(specs),
		Failed:    failed,
		ElapsedMS: o.now().Sub(started).Milliseconds(),
	})
	return nil
}

// runJob walks one job through its state machine. It never returns an error:
// every failure ends up in the result.
func (o *Orchestrator) runJob(ctx context.Context, sem *semaphore.Weighted, id string, spec JobSpec) (res JobResult) {
	res = JobResult{
		Index:         spec.Index,
		WorkspaceID:   id,
		Label:         spec.Label,
		RepositoryURL: spec.RepositoryURL,
		ExitCode:      -1,
	}
	logger := o.logger.With(slog.String("job_id", id), slog.String("label", spec.Label), slog.String("repository", spec.RepositoryURL))

	ctx, span := o.tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("repobench.job_id", id),
		attribute.Int("repobench.index", spec.Index),
		attribute.String("repobench.label", spec.Label),
		attribute.String("repobench.repository", spec.RepositoryURL),
	))
	defer func() {
		if res.Err != nil {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	o.transition(id, StateCreated, "", nil, 0)

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			res.Err = o.fail(id, StageQueue, err, 0)
			return res
		}
		defer sem.Release(1)
	}

	var ws workspace.Workspace
	if err := o.stage(ctx, id, StageWorkspace, StateWorkspaceReady, func(ctx context.Context) error {
		var err error
		ws, err = o.workspaces.Prepare(ctx, id)
		return err
	}); err != nil {
		res.Err = err
		logger.Warn("workspace not created", "error", err)
		return res
	}

	// Teardown runs on every path from here, panics included, and is not
	// interrupted by run cancellation.
	defer func() {
		cleanupErr := o.teardown(context.WithoutCancel(ctx), id, ws)
		if cleanupErr == nil {
			return
		}
		res.CleanupErr = cleanupErr
		if res.Err == nil {
			res.Err = &StageError{Stage: StageCleanup, Err: cleanupErr}
		}
		logger.Error("workspace left behind", "dir", ws.Dir, "error", cleanupErr)
	}()

	if err := o.stage(ctx, id, StageFetch, StateFetched, func(ctx context.Context) error {
		if spec.CredentialErr != nil {
			return &fetch.CloneError{URL: spec.RepositoryURL, Kind: fetch.KindAuth, Cause: spec.CredentialErr}
		}
		return o.fetcher.Fetch(ctx, fetch.Request{
			URL:         spec.RepositoryURL,
			Dest:        ws.Dir,
			Credential:  spec.Credential,
			Diagnostics: o.fetchOutput(id),
		}, o.progressSink(id))
	}); err != nil {
		res.Err = err
		logger.Warn("fetch failed", "error", err)
		return res
	}

	if err := o.stage(ctx, id, StagePrepare, StatePrepared, func(ctx context.Context) error {
		return o.runner.Prepare(ctx, ws.Dir, spec.Prepare, o.lineSink(id, StagePrepare))
	}); err != nil {
		res.Err = err
		logger.Warn("prepare failed", "error", err)
		return res
	}

	var exec runner.Execution
	if err := o.stage(ctx, id, StageExecute, StateExecuted, func(ctx context.Context) error {
		var err error
		exec, err = o.runner.Run(ctx, ws.Dir, spec.Run, o.lineSink(id, StageExecute))
		return err
	}); err != nil {
		res.Err = err
		logger.Warn("execute failed", "error", err)
		return res
	}
	res.Duration = exec.Duration
	res.ExitCode = exec.ExitCode
	logger.Debug("benchmark finished", "duration", exec.Duration, "exit_code", exec.ExitCode)

	return res
}

// stage runs fn inside a span and publishes next on success or Failed(stage)
// on error. The returned error is a *StageError.
func (o *Orchestrator) stage(ctx context.Context, id string, stage Stage, next State, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, string(stage), trace.WithAttributes(attribute.String("repobench.job_id", id)))
	defer span.End()

	start := o.now()
	err := fn(ctx)
	if err == nil {
		o.transition(id, next, stage, nil, o.now().Sub(start))
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return o.fail(id, stage, err, o.now().Sub(start))
}

func (o *Orchestrator) fail(id string, stage Stage, err error, elapsed time.Duration) error {
	se := &StageError{Stage: stage, Err: err}
	o.transition(id, StateFailed, stage, err, elapsed)
	return se
}

func (o *Orchestrator) teardown(ctx context.Context, id string, ws workspace.Workspace) error {
	ctx, span := o.tracer.Start(ctx, string(StageCleanup), trace.WithAttributes(attribute.String("repobench.job_id", id)))
	defer span.End()

	start := o.now()
	err := o.workspaces.Cleanup(ctx, ws)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.transition(id, StateFailed, StageCleanup, err, o.now().Sub(start))
		return err
	}
	o.transition(id, StateTornDown, StageCleanup, nil, o.now().Sub(start))
	return nil
}

func (o *Orchestrator) transition(id string, state State, stage Stage, err error, elapsed time.Duration) {
	ev := events.JobState{
		JobID:      id,
		State:      string(state),
		Stage:      string(stage),
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.publish(events.TypeJobState, ev)
}

func (o *Orchestrator) completed(id string, res JobResult) {
	ev := events.JobCompleted{
		JobID:         id,
		Index:         res.Index,
		Label:         res.Label,
		RepositoryURL: res.RepositoryURL,
		Succeeded:     res.Succeeded(),
		DurationMS:    res.Duration.Milliseconds(),
		ExitCode:      res.ExitCode,
		Stage:         string(res.FailedStage()),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if res.CleanupErr != nil {
		ev.CleanupError = res.CleanupErr.Error()
	}
	o.publish(events.TypeJobCompleted, ev)
}

func (o *Orchestrator) lineSink(id string, stage Stage) runner.LineSink {
	return func(stream runner.Stream, line string) {
		o.publish(events.TypeJobOutput, events.JobOutput{
			JobID:  id,
			Stage:  string(stage),
			Stream: string(stream),
			Line:   line,
		})
	}
}

func (o *Orchestrator) fetchOutput(id string) func(string) {
	sink := o.lineSink(id, StageFetch)
	return func(line string) { sink(runner.Stderr, line) }
}

// progressSink returns a sink owned by one job.
func (o *Orchestrator) progressSink(id string) fetch.ProgressSink {
	return fetch.ProgressFunc(func(ev fetch.ProgressEvent) {
		o.publish(events.TypeJobProgress, events.JobProgress{
			JobID:   id,
			Phase:   ev.Phase.String(),
			Current: ev.Current,
			Total:   ev.Total,
			Bytes:   ev.Bytes,
		})
	})
}

func (o *Orchestrator) publish(eventType string, data any) {
	if o.hub != nil {
		o.hub.Publish(eventType, data)
	}
}

// IsStage reports whether err is a *StageError for stage.
func IsStage(err error, stage Stage) bool {
	var se *StageError
	return errors.As(err, &se) && se.Stage == stage
}
