// Package runner executes preparation steps and the timed benchmark command
// inside a job's workspace.
//
// Each invocation is a separate process whose stdout and stderr are streamed
// line by line to a LineSink as they arrive, one reader goroutine per stream.
// Preparation steps run strictly in order and stop at the first failure.
// The benchmark command is timed from just before the process starts until
// it has been reaped; its exit code is recorded but not interpreted.
//
// Command lines are either shell lines, run through the configured shell
// (sh -c by default, cmd /C on Windows), or explicit argument vectors that
// bypass the shell entirely.
package runner
