package report

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mattjoyce/repobench/internal/log"
	"github.com/mattjoyce/repobench/internal/pipeline"
)

// Failed is written in place of a duration for failed jobs. It cannot be
// mistaken for a number of milliseconds.
const Failed = "FAILED"

// Writer emits one tab-separated line per job:
//
//	<workspace-id>\t<milliseconds|FAILED>\t<label>\t<repository-url>
//
// Lines appear in the order results are written, which the orchestrator
// guarantees is spawn order.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger

	written int
	failed  int
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, logger: log.WithComponent("report")}
}

// Write emits the line for res. Failures are also logged with their stage
// and cause.
func (w *Writer) Write(res pipeline.JobResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.w, FormatLine(res)); err != nil {
		return fmt.Errorf("write report line: %w", err)
	}
	w.written++

	if !res.Succeeded() {
		w.failed++
		attrs := []any{
			"workspace_id", res.WorkspaceID,
			"label", res.Label,
			"repository", res.RepositoryURL,
			"stage", string(res.FailedStage()),
			"error", res.Err,
		}
		if res.CleanupErr != nil {
			attrs = append(attrs, "cleanup_error", res.CleanupErr)
		}
		w.logger.Warn("job failed", attrs...)
	}
	return nil
}

// Counts returns how many lines were written and how many were failures.
func (w *Writer) Counts() (written, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failed
}

// FormatLine renders res as a report line including the trailing newline.
func FormatLine(res pipeline.JobResult) string {
	elapsed := Failed
	if res.Succeeded() {
		elapsed = strconv.FormatInt(res.Duration.Milliseconds(), 10)
	}
	return res.WorkspaceID + "\t" + elapsed + "\t" + res.Label + "\t" + res.RepositoryURL + "\n"
}
