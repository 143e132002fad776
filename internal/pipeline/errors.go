package pipeline

import "fmt"

// StageError wraps the error of the stage a job failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// JoinError is a failure to collect a job's result. It is fatal to the run.
type JoinError struct {
	Index int
	Cause error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join job %d: %v", e.Index, e.Cause)
}

func (e *JoinError) Unwrap() error { return e.Cause }
