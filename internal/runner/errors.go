package runner

import "fmt"

// PrepareError reports the first preparation step that failed. ExitCode is
// -1 when the step never started or was killed by a signal.
type PrepareError struct {
	Step     int
	Command  string
	ExitCode int
	Cause    error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare step %d (%s): %v", e.Step+1, e.Command, e.Cause)
}

func (e *PrepareError) Unwrap() error { return e.Cause }

// ExecuteError reports a benchmark command that could not be run.
type ExecuteError struct {
	Command string
	Cause   error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Command, e.Cause)
}

func (e *ExecuteError) Unwrap() error { return e.Cause }
