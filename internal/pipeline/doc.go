// Package pipeline runs every (command × repository) job concurrently and
// joins the results in spawn order.
//
// Each job owns one workspace and walks a fixed state machine:
//
//	Created → WorkspaceReady → Fetched → Prepared → Executed → TornDown → Done
//
// Any stage may fail instead, moving the job to Failed(stage). Once a
// workspace exists, teardown is attempted on every exit path, including
// cancellation and panics, using a context that outlives the run.
//
// Key features:
//   - Cross product in declaration order: commands outer, repositories inner
//   - One goroutine per job, no admission limit unless WithMaxConcurrent is set
//   - Results delivered in spawn order regardless of completion order
//   - Every state transition, output line and progress sample published to
//     an events.Hub
//   - One trace span per job and per stage
//
// Error handling:
//   - Workspace create failure → Failed(workspace), nothing else runs
//   - Clone failure → Failed(fetch), prepare and execute are skipped
//   - Prepare step failure → Failed(prepare), execute is skipped
//   - Benchmark spawn failure → Failed(execute)
//   - Cleanup failure after success → Failed(cleanup)
//   - Cleanup failure after another failure → recorded as CleanupErr only
//
// A job's failure never escapes as an error from Run. Only join failures do:
// a job that panics or a delivery callback that fails aborts the remaining
// joins, cancels the jobs still running and returns *JoinError once they have
// torn down.
package pipeline
