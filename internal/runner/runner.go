package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/log"
)

// terminationGracePeriod is how long a cancelled process has between
// SIGTERM and SIGKILL.
const terminationGracePeriod = 5 * time.Second

const maxLineBytes = 1024 * 1024

// Stream identifies a child output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineSink receives output lines. It may be called concurrently for the
// stdout and stderr of the same process.
type LineSink func(stream Stream, line string)

// Discard drops all lines.
func Discard(Stream, string) {}

// Execution is the outcome of a benchmark run.
type Execution struct {
	Duration time.Duration
	ExitCode int
}

// Runner spawns workspace commands.
type Runner struct {
	shell  []string
	env    []string
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithShell sets the argv prefix used for shell lines, e.g. [bash, -c].
func WithShell(shell []string) Option {
	return func(r *Runner) {
		if len(shell) > 0 {
			r.shell = append([]string(nil), shell...)
		}
	}
}

// WithEnv appends KEY=VALUE pairs to every child's environment.
func WithEnv(kv ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, kv...)
	}
}

// WithGracePeriod sets the delay between SIGTERM and SIGKILL on cancellation.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// New returns a Runner using the platform shell.
func New(opts ...Option) *Runner {
	r := &Runner{
		shell:  DefaultShell(),
		grace:  terminationGracePeriod,
		now:    time.Now,
		logger: log.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultShell returns the prefix used to run shell lines.
func DefaultShell() []string {
	return []string{"sh", "-c"}
}

// Prepare runs steps in dir one after another, stopping at the first step
// that cannot be started or exits non-zero.
func (r *Runner) Prepare(ctx context.Context, dir string, steps []config.CommandLine, out LineSink) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &PrepareError{Step: i, Command: step.String(), ExitCode: -1, Cause: err}
		}

		r.logger.Debug("running prepare step", "step", i+1, "of", len(steps), "command", step.String(), "dir", dir)
		res, err := r.exec(ctx, dir, step, out)
		if err != nil {
			return &PrepareError{Step: i, Command: step.String(), ExitCode: res.ExitCode, Cause: err}
		}
		if res.ExitCode != 0 {
			return &PrepareError{
				Step:     i,
				Command:  step.String(),
				ExitCode: res.ExitCode,
				Cause:    fmt.Errorf("exit status %d", res.ExitCode),
			}
		}
	}
	return nil
}

// Run executes the benchmark command in dir and measures its wall-clock
// duration. A non-zero exit is recorded in Execution, not returned as an
// error; only failing to run the command is.
func (r *Runner) Run(ctx context.Context, dir string, cmd config.CommandLine, out LineSink) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{ExitCode: -1}, &ExecuteError{Command: cmd.String(), Cause: err}
	}

	res, err := r.exec(ctx, dir, cmd, out)
	if err != nil {
		return res, &ExecuteError{Command: cmd.String(), Cause: err}
	}
	if res.ExitCode != 0 {
		r.logger.Debug("benchmark command exited non-zero", "command", cmd.String(), "exit_code", res.ExitCode)
	}
	return res, nil
}

// exec runs one command line to completion. The returned error is non-nil
// only when the process could not be started or ctx ended it.
func (r *Runner) exec(ctx context.Context, dir string, line config.CommandLine, out LineSink) (Execution, error) {
	if out == nil {
		out = Discard
	}
	argv, err := r.argv(line)
	if err != nil {
		return Execution{ExitCode: -1}, err
	}

	// Each command leads its own process group so cancellation reaches
	// everything a shell line started, not just the shell.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	stdout := newLineWriter(Stdout, out)
	stderr := newLineWriter(Stderr, out)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := r.now()
	if err := cmd.Start(); err != nil {
		return Execution{ExitCode: -1}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	waitErr := cmd.Wait()
	res := Execution{Duration: r.now().Sub(start), ExitCode: 0}
	// Nothing a step started may keep running in the workspace after it.
	if err := signalGroup(cmd.Process.Pid, syscall.SIGKILL); err == nil {
		r.logger.Debug("killed leftover processes", "command", line.String(), "pgid", cmd.Process.Pid)
	}
	stdout.Flush()
	stderr.Flush()

	switch {
	case waitErr == nil:
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exited cleanly but a background child kept the output open.
		r.logger.Warn("output still open after exit, detached", "command", line.String(), "wait_delay", r.grace)
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("wait: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

// signalGroup sends sig to every process in the group led by pgid. It returns
// syscall.ESRCH when the group is already empty.
func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}
	return syscall.Kill(-pgid, sig)
}

func (r *Runner) argv(line config.CommandLine) ([]string, error) {
	if line.IsZero() {
		return nil, errors.New("empty command")
	}
	if len(line.Args) > 0 {
		return line.Args, nil
	}
	return append(append([]string(nil), r.shell...), line.Shell), nil
}

// lineWriter splits a child stream into lines for a LineSink. os/exec drives
// each writer from its own copying goroutine. Lines longer than maxLineBytes
// are delivered in chunks.
type lineWriter struct {
	stream Stream
	out    LineSink
	buf    []byte
}

func newLineWriter(stream Stream, out LineSink) *lineWriter {
	return &lineWriter{stream: stream, out: out}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			for len(w.buf) >= maxLineBytes {
				w.emit(w.buf[:maxLineBytes])
				w.buf = append(w.buf[:0], w.buf[maxLineBytes:]...)
			}
			break
		}
		w.buf = append(w.buf, p[:i]...)
		w.emit(w.buf)
		w.buf = w.buf[:0]
		p = p[i+1:]
	}
	return n, nil
}

// Flush delivers a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *lineWriter) emit(line []byte) {
	w.out(w.stream, string(bytes.TrimSuffix(line, []byte("\r"))))
}
