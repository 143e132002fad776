package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/repobench/internal/log"
)

const (
	defaultGitBinary = "git"
	tailLines        = 20
	maxLineBytes     = 1024 * 1024
)

// GitFetcher clones with the git CLI.
type GitFetcher struct {
	gitPath   string
	extraEnv  []string
	waitDelay time.Duration
	logger    *slog.Logger

	newTracker func(ProgressSink) *Tracker
}

var _ Fetcher = (*GitFetcher)(nil)

// GitOption customizes a GitFetcher.
type GitOption func(*GitFetcher)

// WithGitBinary overrides the git executable.
func WithGitBinary(path string) GitOption {
	return func(g *GitFetcher) {
		if path != "" {
			g.gitPath = path
		}
	}
}

// WithEnv appends KEY=VALUE pairs to git's environment.
func WithEnv(kv ...string) GitOption {
	return func(g *GitFetcher) {
		g.extraEnv = append(g.extraEnv, kv...)
	}
}

// NewGitFetcher returns a fetcher using the git found on PATH.
func NewGitFetcher(opts ...GitOption) *GitFetcher {
	g := &GitFetcher{
		gitPath:    defaultGitBinary,
		waitDelay:  5 * time.Second,
		logger:     log.WithComponent("fetch"),
		newTracker: NewTracker,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch runs git clone --progress into req.Dest. req.Dest may be an existing
// empty directory.
func (g *GitFetcher) Fetch(ctx context.Context, req Request, sink ProgressSink) error {
	display := redactURL(req.URL)
	if err := ValidateURL(req.URL); err != nil {
		return &CloneError{URL: display, Kind: KindInvalidURL, Cause: err}
	}
	if req.Dest == "" {
		return &CloneError{URL: display, Kind: KindSpawn, Cause: errors.New("clone destination is empty")}
	}
	if err := ctx.Err(); err != nil {
		return &CloneError{URL: display, Kind: KindCanceled, Cause: err}
	}

	diag := req.Diagnostics
	if diag == nil {
		diag = func(string) {}
	}
	tracker := g.newTracker(sink)
	tail := &lineTail{max: tailLines}

	cmd := exec.CommandContext(ctx, g.gitPath, "clone", "--progress", "--", cloneSource(req.URL), req.Dest)
	cmd.Env = g.environ(req.Credential)
	cmd.WaitDelay = g.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CloneError{URL: display, Kind: KindSpawn, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &CloneError{URL: display, Kind: KindSpawn, Cause: err}
	}

	g.logger.Debug("starting clone", "url", display, "dest", req.Dest, "credential", req.Credential.String())
	if err := cmd.Start(); err != nil {
		return &CloneError{URL: display, Kind: KindSpawn, Cause: err}
	}

	// A helper such as ssh can outlive a killed git and hold the pipes open.
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(g.waitDelay, func() {
			_ = stdout.Close()
			_ = stderr.Close()
		})
	})
	defer stop()

	var readers errgroup.Group
	readers.Go(func() error {
		return scanLines(stdout, bufio.ScanLines, func(line string) {
			tail.add(line)
			diag(line)
		})
	})
	readers.Go(func() error {
		return scanLines(stderr, scanProgressLines, func(line string) {
			kind, s := parseProgressLine(line)
			switch kind {
			case lineTransfer:
				tracker.ObserveTransfer(s.current, s.total, s.bytes)
			case lineCheckout:
				tracker.ObserveCheckout(s.current, s.total)
			case lineCounter:
			default:
				tail.add(line)
				diag(line)
			}
		})
	})
	readErr := readers.Wait()
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &CloneError{URL: display, Kind: KindCanceled, Cause: ctxErr}
	}
	if waitErr != nil {
		lines := tail.lines()
		return &CloneError{
			URL:    display,
			Kind:   classify(lines),
			Cause:  waitErr,
			Detail: summarize(lines),
		}
	}
	if readErr != nil {
		return &CloneError{URL: display, Kind: KindProtocol, Cause: fmt.Errorf("read git output: %w", readErr)}
	}

	g.logger.Debug("clone finished", "url", display, "bytes", tracker.Bytes(), "phase", tracker.Phase())
	return nil
}

func (g *GitFetcher) environ(cred *Credential) []string {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
	)
	if cred != nil {
		env = append(env, "GIT_SSH_COMMAND="+sshCommand(cred))
	}
	return append(env, g.extraEnv...)
}

func sshCommand(cred *Credential) string {
	return "ssh -i " + shellQuote(cred.PrivateKey) + " -o IdentitiesOnly=yes -o BatchMode=yes"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func scanLines(r io.Reader, split bufio.SplitFunc, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(split)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// lineTail keeps the most recent diagnostic lines for error reports.
type lineTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}

var classifiers = []struct {
	kind    Kind
	needles []string
}{
	{KindAuth, []string{
		"permission denied",
		"authentication failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"host key verification failed",
		"invalid credentials",
		"access denied",
	}},
	{KindInvalidURL, []string{
		"repository not found",
		"does not appear to be a git repository",
		"does not exist",
		"not found",
		"unable to find remote helper",
	}},
	{KindNetwork, []string{
		"could not resolve host",
		"unable to access",
		"connection refused",
		"connection timed out",
		"operation timed out",
		"network is unreachable",
		"no route to host",
		"connection reset",
		"early eof",
		"the remote end hung up",
	}},
}

func classify(lines []string) Kind {
	joined := strings.ToLower(strings.Join(lines, "\n"))
	for _, c := range classifiers {
		for _, needle := range c.needles {
			if strings.Contains(joined, needle) {
				return c.kind
			}
		}
	}
	return KindProtocol
}

// summarize keeps the fatal/error lines, or the last line when there are none.
func summarize(lines []string) string {
	var picked []string
	for _, l := range lines {
		lower := strings.ToLower(l)
		if strings.HasPrefix(lower, "fatal:") || strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "ssh:") {
			picked = append(picked, l)
		}
	}
	if len(picked) == 0 && len(lines) > 0 {
		picked = lines[len(lines)-1:]
	}
	return strings.Join(picked, "; ")
}
