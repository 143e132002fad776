package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/events"
	"github.com/mattjoyce/repobench/internal/fetch"
	"github.com/mattjoyce/repobench/internal/fetch/mocks"
	"github.com/mattjoyce/repobench/internal/runner"
	"github.com/mattjoyce/repobench/internal/workspace"
)

// fakeRunner records which workspaces reached prepare and execute.
type fakeRunner struct {
	mu       sync.Mutex
	prepared []string
	ran      []string

	prepareErr error
	runFn      func(ctx context.Context, dir string) (runner.Execution, error)

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeRunner) Prepare(_ context.Context, dir string, steps []config.CommandLine, out runner.LineSink) error {
	f.mu.Lock()
	f.prepared = append(f.prepared, filepath.Base(dir))
	f.mu.Unlock()
	for _, s := range steps {
		out(runner.Stdout, "prepare: "+s.String())
	}
	return f.prepareErr
}

func (f *fakeRunner) Run(ctx context.Context, dir string, _ config.CommandLine, out runner.LineSink) (runner.Execution, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.ran = append(f.ran, filepath.Base(dir))
	f.mu.Unlock()
	out(runner.Stdout, "running")

	if f.runFn != nil {
		return f.runFn(ctx, dir)
	}
	return runner.Execution{Duration: 42 * time.Millisecond}, nil
}

func (f *fakeRunner) ranIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func (f *fakeRunner) preparedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prepared...)
}

// cloneStub writes a marker file into the destination, standing in for git.
func cloneStub(_ context.Context, req fetch.Request, sink fetch.ProgressSink) error {
	sink.Progress(fetch.ProgressEvent{Phase: fetch.Transferring, Current: 1, Total: 2})
	sink.Progress(fetch.ProgressEvent{Phase: fetch.CheckingOut, Current: 1, Total: 1})
	return os.WriteFile(filepath.Join(req.Dest, "README"), []byte(req.URL), 0o644)
}

func newManager(t *testing.T, opts ...workspace.Option) (workspace.Manager, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "ws")
	opts = append([]workspace.Option{workspace.WithCleanupRetry(5, time.Millisecond)}, opts...)
	mgr, err := workspace.NewFSManager(base, opts...)
	require.NoError(t, err)
	return mgr, base
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("job-%02d", n.Add(1)) }
}

func assertBaseEmpty(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "workspaces left behind")
}

func commands(labels ...string) []config.Command {
	out := make([]config.Command, len(labels))
	for i, l := range labels {
		out[i] = config.Command{
			Label:   l,
			Prepare: []config.CommandLine{config.ShellLine("make deps")},
			Run:     config.Argv("make", "bench"),
		}
	}
	return out
}

func repos(urls ...string) []config.Repository {
	out := make([]config.Repository, len(urls))
	for i, u := range urls {
		out[i] = config.Repository{URL: u}
	}
	return out
}

func TestRunAllProducesCrossProductInSpawnOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).Times(6)

	mgr, base := newManager(t)
	fr := &fakeRunner{}
	o := New(mgr, fetcher, fr, WithIDFunc(sequentialIDs()))

	results, err := o.RunAll(context.Background(), commands("build", "test"), repos("https://x/a.git", "https://x/b.git", "https://x/c.git"), "")
	require.NoError(t, err)
	require.Len(t, results, 6)

	want := [][2]string{
		{"build", "https://x/a.git"}, {"build", "https://x/b.git"}, {"build", "https://x/c.git"},
		{"test", "https://x/a.git"}, {"test", "https://x/b.git"}, {"test", "https://x/c.git"},
	}
	seen := map[string]bool{}
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, want[i][0], r.Label)
		assert.Equal(t, want[i][1], r.RepositoryURL)
		assert.True(t, r.Succeeded(), "job %d: %v", i, r.Err)
		assert.Equal(t, 42*time.Millisecond, r.Duration)
		assert.NoError(t, r.CleanupErr)
		assert.False(t, seen[r.WorkspaceID], "workspace id reused")
		seen[r.WorkspaceID] = true
	}
	assert.Len(t, fr.ranIDs(), 6)
	assertBaseEmpty(t, base)
}

func TestRunAllDefaultIDsAreUUIDs(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).Times(2)

	mgr, _ := newManager(t)
	results, err := New(mgr, fetcher, &fakeRunner{}).RunAll(context.Background(), commands("a"), repos("https://x/1", "https://x/2"), "")
	require.NoError(t, err)
	for _, r := range results {
		assert.Len(t, r.WorkspaceID, 36)
		assert.Equal(t, 4, strings.Count(r.WorkspaceID, "-"))
	}
	assert.NotEqual(t, results[0].WorkspaceID, results[1].WorkspaceID)
}

func TestFetchFailureSkipsLaterStagesAndTearsDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)

	cloneErr := &fetch.CloneError{URL: "bad url", Kind: fetch.KindInvalidURL, Cause: fetch.ErrInvalidURL}
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req fetch.Request, sink fetch.ProgressSink) error {
			if req.URL == "bad url" {
				return cloneErr
			}
			return cloneStub(ctx, req, sink)
		}).Times(2)

	mgr, base := newManager(t)
	hub := events.NewHub(256)
	fr := &fakeRunner{}
	o := New(mgr, fetcher, fr, WithIDFunc(sequentialIDs()), WithHub(hub))

	results, err := o.RunAll(context.Background(), commands("build"), repos("https://x/good.git", "bad url"), "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Succeeded())
	bad := results[1]
	assert.False(t, bad.Succeeded())
	assert.Equal(t, StageFetch, bad.FailedStage())
	assert.True(t, IsStage(bad.Err, StageFetch))
	var ce *fetch.CloneError
	assert.True(t, errors.As(bad.Err, &ce), "clone error preserved")
	assert.NoError(t, bad.CleanupErr)

	assert.NotContains(t, fr.preparedIDs(), bad.WorkspaceID)
	assert.NotContains(t, fr.ranIDs(), bad.WorkspaceID)
	assertBaseEmpty(t, base)

	assert.Equal(t,
		[]string{"created", "workspace_ready", "failed:fetch", "torn_down", "done"},
		stateTrail(hub, bad.WorkspaceID))
	assert.Equal(t,
		[]string{"created", "workspace_ready", "fetched", "prepared", "executed", "torn_down", "done"},
		stateTrail(hub, results[0].WorkspaceID))
}

func TestMissingKeyFailsOnlyThatRepository(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	// Only the anonymous repository is cloned.
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req fetch.Request, sink fetch.ProgressSink) error {
			assert.Equal(t, "https://x/a.git", req.URL)
			return cloneStub(ctx, req, sink)
		}).Times(1)

	mgr, base := newManager(t)
	fr := &fakeRunner{}
	rs := []config.Repository{
		{URL: "https://x/a.git"},
		{URL: "git@x:b.git", SSHKey: "/nonexistent/id_ed25519"},
	}
	results, err := New(mgr, fetcher, fr).RunAll(context.Background(), commands("build"), rs, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Succeeded())
	keyed := results[1]
	assert.Equal(t, StageFetch, keyed.FailedStage())
	var ce *fetch.CloneError
	require.True(t, errors.As(keyed.Err, &ce))
	assert.Equal(t, fetch.KindAuth, ce.Kind)
	assert.Contains(t, ce.Error(), "/nonexistent/id_ed25519")
	assert.NotContains(t, fr.preparedIDs(), keyed.WorkspaceID)
	assertBaseEmpty(t, base)
}

func TestMissingGlobalKeyFailsEveryJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl) // no EXPECT: nothing is cloned

	mgr, base := newManager(t)
	results, err := New(mgr, fetcher, &fakeRunner{}).RunAll(context.Background(), commands("a", "b"), repos("git@x:1.git", "git@x:2.git"), "/nonexistent/id_rsa")
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, IsStage(r.Err, StageFetch), "job %d: %v", r.Index, r.Err)
	}
	assertBaseEmpty(t, base)
}

func stateTrail(hub *events.Hub, id string) []string {
	var trail []string
	for _, ev := range hub.SnapshotSince(0) {
		st, ok := ev.Payload.(events.JobState)
		if !ok || st.JobID != id {
			continue
		}
		if st.State == string(StateFailed) {
			trail = append(trail, "failed:"+st.Stage)
			continue
		}
		trail = append(trail, st.State)
	}
	return trail
}

func TestPreexistingWorkspaceFailsBeforeFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl) // no EXPECT: any Fetch call fails the test

	mgr, base := newManager(t)
	taken := filepath.Join(base, "fixed-id")
	require.NoError(t, os.MkdirAll(taken, 0o755))
	marker := filepath.Join(taken, "keep")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	fr := &fakeRunner{}
	o := New(mgr, fetcher, fr, WithIDFunc(func() string { return "fixed-id" }))

	results, err := o.RunAll(context.Background(), commands("build"), repos("https://x/a.git"), "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, StageWorkspace, res.FailedStage())
	var wsErr *workspace.WorkspaceError
	assert.True(t, errors.As(res.Err, &wsErr))
	assert.Empty(t, fr.ranIDs())
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "a workspace the job did not create must not be removed")
}

func TestPrepareFailureSkipsExecute(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub)

	mgr, base := newManager(t)
	fr := &fakeRunner{prepareErr: &runner.PrepareError{Step: 0, Command: "make deps", ExitCode: 2, Cause: errors.New("exit status 2")}}

	results, err := New(mgr, fetcher, fr).RunAll(context.Background(), commands("build"), repos("https://x/a.git"), "")
	require.NoError(t, err)
	assert.Equal(t, StagePrepare, results[0].FailedStage())
	assert.Empty(t, fr.ranIDs())
	assertBaseEmpty(t, base)
}

func TestNonZeroExitIsStillSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub)

	mgr, _ := newManager(t)
	fr := &fakeRunner{runFn: func(context.Context, string) (runner.Execution, error) {
		return runner.Execution{Duration: time.Second, ExitCode: 1}, nil
	}}

	results, err := New(mgr, fetcher, fr).RunAll(context.Background(), commands("build"), repos("https://x/a.git"), "")
	require.NoError(t, err)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Equal(t, time.Second, results[0].Duration)
}

func TestTransientCleanupFailureDoesNotChangeOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req fetch.Request, sink fetch.ProgressSink) error {
			if strings.HasSuffix(req.URL, "broken.git") {
				return &fetch.CloneError{URL: req.URL, Kind: fetch.KindNetwork, Cause: errors.New("connection refused")}
			}
			return cloneStub(ctx, req, sink)
		}).Times(2)

	var mu sync.Mutex
	attempts := map[string]int{}
	flaky := func(path string) error {
		mu.Lock()
		attempts[path]++
		n := attempts[path]
		mu.Unlock()
		if n < 3 {
			return errors.New("directory in use")
		}
		return os.RemoveAll(path)
	}
	mgr, base := newManager(t, workspace.WithRemoveFunc(flaky))

	results, err := New(mgr, fetcher, &fakeRunner{}).RunAll(context.Background(), commands("build"), repos("https://x/ok.git", "https://x/broken.git"), "")
	require.NoError(t, err)

	assert.True(t, results[0].Succeeded(), "success survives a retried cleanup")
	assert.NoError(t, results[0].CleanupErr)
	assert.Equal(t, StageFetch, results[1].FailedStage(), "original failure is kept")
	assert.NoError(t, results[1].CleanupErr)

	mu.Lock()
	for path, n := range attempts {
		assert.Equal(t, 3, n, "attempts for %s", path)
	}
	mu.Unlock()
	assertBaseEmpty(t, base)
}

func TestExhaustedCleanup(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req fetch.Request, sink fetch.ProgressSink) error {
			if strings.HasSuffix(req.URL, "broken.git") {
				return &fetch.CloneError{URL: req.URL, Kind: fetch.KindAuth, Cause: errors.New("denied")}
			}
			return cloneStub(ctx, req, sink)
		}).Times(2)

	stuck := errors.New("permission denied")
	mgr, base := newManager(t, workspace.WithRemoveFunc(func(string) error { return stuck }))

	results, err := New(mgr, fetcher, &fakeRunner{}).RunAll(context.Background(), commands("build"), repos("https://x/ok.git", "https://x/broken.git"), "")
	require.NoError(t, err)

	ok := results[0]
	assert.False(t, ok.Succeeded(), "exhausted cleanup turns success into failure")
	assert.Equal(t, StageCleanup, ok.FailedStage())
	var cleanupErr *workspace.CleanupError
	require.True(t, errors.As(ok.CleanupErr, &cleanupErr))
	assert.Equal(t, 5, cleanupErr.Attempts)

	broken := results[1]
	assert.Equal(t, StageFetch, broken.FailedStage(), "cleanup never overrides an earlier failure")
	assert.ErrorIs(t, broken.CleanupErr, stuck)

	// Left-behind workspaces are reported, and they really are still there.
	for _, r := range results {
		_, statErr := os.Stat(filepath.Join(base, r.WorkspaceID))
		assert.NoError(t, statErr)
	}
}

func TestDeliverErrorAbortsRemainingJoins(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).AnyTimes()

	mgr, base := newManager(t)
	o := New(mgr, fetcher, &fakeRunner{})
	specs := BuildSpecs(commands("a", "b"), repos("https://x/1", "https://x/2"), "")

	var delivered []int
	sinkErr := errors.New("report destination closed")
	err := o.Run(context.Background(), specs, func(r JobResult) error {
		delivered = append(delivered, r.Index)
		if r.Index == 1 {
			return sinkErr
		}
		return nil
	})

	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr), "want *JoinError, got %v", err)
	assert.Equal(t, 1, joinErr.Index)
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, []int{0, 1}, delivered, "no deliveries after the failed join")
	assertBaseEmpty(t, base)
}

func TestPanickingJobIsAJoinFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req fetch.Request, sink fetch.ProgressSink) error {
			if req.URL == "https://x/panic" {
				panic("fetcher bug")
			}
			return cloneStub(ctx, req, sink)
		}).AnyTimes()

	mgr, base := newManager(t)
	var got []JobResult
	specs := BuildSpecs(commands("a"), repos("https://x/1", "https://x/panic", "https://x/3"), "")

	err := New(mgr, fetcher, &fakeRunner{}).Run(context.Background(), specs, func(r JobResult) error {
		got = append(got, r)
		return nil
	})

	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, 1, joinErr.Index)
	assert.Contains(t, err.Error(), "fetcher bug")
	assert.Len(t, got, 1)
	assertBaseEmpty(t, base)
}

func TestMaxConcurrentBoundsRunningJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).Times(6)

	mgr, base := newManager(t)
	fr := &fakeRunner{runFn: func(context.Context, string) (runner.Execution, error) {
		time.Sleep(10 * time.Millisecond)
		return runner.Execution{Duration: 10 * time.Millisecond}, nil
	}}

	results, err := New(mgr, fetcher, fr, WithMaxConcurrent(2)).RunAll(context.Background(), commands("a", "b", "c"), repos("https://x/1", "https://x/2"), "")
	require.NoError(t, err)
	assert.Len(t, results, 6)
	assert.LessOrEqual(t, fr.maxActive.Load(), int32(2))
	assertBaseEmpty(t, base)
}

func TestCancelledRunStillReportsEveryJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mgr, base := newManager(t)
	results, err := New(mgr, fetcher, &fakeRunner{}, WithMaxConcurrent(1)).RunAll(ctx, commands("a"), repos("https://x/1", "https://x/2", "https://x/3"), "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Succeeded())
		assert.Contains(t, []Stage{StageQueue, StageWorkspace}, r.FailedStage())
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assertBaseEmpty(t, base)
}

func TestEventsCoverEveryJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).Times(4)

	mgr, _ := newManager(t)
	hub := events.NewHub(1024)
	_, err := New(mgr, fetcher, &fakeRunner{}, WithHub(hub)).RunAll(context.Background(), commands("a", "b"), repos("https://x/1", "https://x/2"), "")
	require.NoError(t, err)

	counts := map[string]int{}
	var progressJobs, outputJobs []string
	for _, ev := range hub.SnapshotSince(0) {
		counts[ev.Type]++
		switch p := ev.Payload.(type) {
		case events.JobProgress:
			progressJobs = append(progressJobs, p.JobID)
		case events.JobOutput:
			outputJobs = append(outputJobs, p.JobID)
		}
	}
	assert.Equal(t, 4, counts[events.TypeJobSpawned])
	assert.Equal(t, 4, counts[events.TypeJobCompleted])
	assert.Equal(t, 1, counts[events.TypeRunCompleted])
	assert.Len(t, progressJobs, 8)
	sort.Strings(outputJobs)
	assert.Len(t, outputJobs, 8, "one prepare line and one run line per job")
}

func TestResultOrderIgnoresCompletionOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("results arrive in spawn order whatever the job latencies", prop.ForAll(
		func(delays []int) bool {
			ctrl := gomock.NewController(t)
			fetcher := mocks.NewMockFetcher(ctrl)
			fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(cloneStub).AnyTimes()

			urls := make([]string, len(delays))
			for i, d := range delays {
				urls[i] = fmt.Sprintf("https://x/%d?delay=%d", i, d)
			}
			fr := &fakeRunner{runFn: func(_ context.Context, dir string) (runner.Execution, error) {
				b, err := os.ReadFile(filepath.Join(dir, "README"))
				if err != nil {
					return runner.Execution{}, err
				}
				var idx, d int
				if _, err := fmt.Sscanf(string(b), "https://x/%d?delay=%d", &idx, &d); err != nil {
					return runner.Execution{}, err
				}
				time.Sleep(time.Duration(d) * time.Millisecond)
				return runner.Execution{Duration: time.Duration(idx)}, nil
			}}

			mgr, err := workspace.NewFSManager(t.TempDir())
			if err != nil {
				return false
			}
			results, err := New(mgr, fetcher, fr).RunAll(context.Background(), commands("only"), repos(urls...), "")
			if err != nil || len(results) != len(delays) {
				return false
			}
			for i, r := range results {
				if r.Index != i || r.RepositoryURL != urls[i] || !r.Succeeded() || r.Duration != time.Duration(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}
