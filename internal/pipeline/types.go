package pipeline

import (
	"context"
	"time"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/fetch"
	"github.com/mattjoyce/repobench/internal/runner"
)

// Stage names the step a job failed in.
type Stage string

const (
	StageQueue     Stage = "queue"
	StageWorkspace Stage = "workspace"
	StageFetch     Stage = "fetch"
	StagePrepare   Stage = "prepare"
	StageExecute   Stage = "execute"
	StageCleanup   Stage = "cleanup"
)

// State is a job state machine position.
type State string

const (
	StateCreated        State = "created"
	StateWorkspaceReady State = "workspace_ready"
	StateFetched        State = "fetched"
	StatePrepared       State = "prepared"
	StateExecuted       State = "executed"
	StateTornDown       State = "torn_down"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// JobSpec is the immutable description of one job.
type JobSpec struct {
	Index         int
	Label         string
	Prepare       []config.CommandLine
	Run           config.CommandLine
	RepositoryURL string
	Credential    *fetch.Credential
	// CredentialErr is set when the repository's key pair could not be
	// loaded. The job then fails its fetch stage without cloning.
	CredentialErr error
}

// JobResult is produced exactly once per JobSpec.
type JobResult struct {
	Index         int
	WorkspaceID   string
	Label         string
	RepositoryURL string
	// Duration and ExitCode are only meaningful when Succeeded.
	Duration time.Duration
	ExitCode int
	// Err is a *StageError describing the first failure, or nil.
	Err error
	// CleanupErr is set when the workspace could not be removed.
	CleanupErr error
}

// Succeeded reports whether the job reached Done without a failure.
func (r JobResult) Succeeded() bool {
	return r.Err == nil
}

// FailedStage returns the stage that failed, or "" on success.
func (r JobResult) FailedStage() Stage {
	if se, ok := r.Err.(*StageError); ok {
		return se.Stage
	}
	if r.Err != nil {
		return Stage("unknown")
	}
	return ""
}

// Runner runs preparation steps and the benchmark command.
type Runner interface {
	Prepare(ctx context.Context, dir string, steps []config.CommandLine, out runner.LineSink) error
	Run(ctx context.Context, dir string, cmd config.CommandLine, out runner.LineSink) (runner.Execution, error)
}

var _ Runner = (*runner.Runner)(nil)
