package events

// Event types published during a run.
const (
	TypeJobSpawned   = "job.spawned"
	TypeJobState     = "job.state"
	TypeJobOutput    = "job.output"
	TypeJobProgress  = "job.progress"
	TypeJobCompleted = "job.completed"
	TypeRunCompleted = "run.completed"
)

type JobSpawned struct {
	JobID         string `json:"job_id"`
	Index         int    `json:"index"`
	Label         string `json:"label"`
	RepositoryURL string `json:"repository_url"`
}

// JobState reports a state machine transition. DurationMS is how long the
// step that led to it took, when known.
type JobState struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type JobOutput struct {
	JobID  string `json:"job_id"`
	Stage  string `json:"stage"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type JobProgress struct {
	JobID   string `json:"job_id"`
	Phase   string `json:"phase"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
	Bytes   uint64 `json:"bytes,omitempty"`
}

type JobCompleted struct {
	JobID         string `json:"job_id"`
	Index         int    `json:"index"`
	Label         string `json:"label"`
	RepositoryURL string `json:"repository_url"`
	Succeeded     bool   `json:"succeeded"`
	DurationMS    int64  `json:"duration_ms"`
	ExitCode      int    `json:"exit_code"`
	Stage         string `json:"stage,omitempty"`
	Error         string `json:"error,omitempty"`
	CleanupError  string `json:"cleanup_error,omitempty"`
}

type RunCompleted struct {
	Jobs      int   `json:"jobs"`
	Failed    int   `json:"failed"`
	ElapsedMS int64 `json:"elapsed_ms"`
}
