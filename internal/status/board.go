// Package status folds the event stream into a per-job view for live
// surfaces: the HTTP status endpoint and the terminal dashboard.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/repobench/internal/events"
)

// Job is one row of the board.
type Job struct {
	ID            string    `json:"job_id"`
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	RepositoryURL string    `json:"repository_url"`
	State         string    `json:"state"`
	Stage         string    `json:"stage,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	Current       uint64    `json:"current,omitempty"`
	Total         uint64    `json:"total,omitempty"`
	Bytes         uint64    `json:"bytes,omitempty"`
	LastLine      string    `json:"last_line,omitempty"`
	Error         string    `json:"error,omitempty"`
	Done          bool      `json:"done"`
	Succeeded     bool      `json:"succeeded"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	ExitCode      int       `json:"exit_code"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}

// Summary aggregates the board.
type Summary struct {
	Jobs      int  `json:"jobs"`
	Running   int  `json:"running"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Finished  bool `json:"finished"`
}

// Board is safe for concurrent use.
type Board struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	finished bool
	now      func() time.Time
}

func NewBoard() *Board {
	return &Board{jobs: make(map[string]*Job), now: time.Now}
}

// Attach feeds the board from hub, replaying buffered events first.
func (b *Board) Attach(hub *events.Hub) func() {
	return hub.AddListenerReplay(b.Apply)
}

// Apply folds one event into the board.
func (b *Board) Apply(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.JobSpawned:
		j := b.job(p.JobID)
		j.Index = p.Index
		j.Label = p.Label
		j.RepositoryURL = p.RepositoryURL
		if j.State == "" {
			j.State = "spawned"
		}
		j.StartedAt = ev.At
	case events.JobState:
		j := b.job(p.JobID)
		if j.Done {
			return
		}
		j.State = p.State
		if p.Stage != "" {
			j.Stage = p.Stage
		}
		if p.Error != "" && j.Error == "" {
			j.Error = p.Error
		}
	case events.JobProgress:
		j := b.job(p.JobID)
		j.Phase = p.Phase
		j.Current = p.Current
		j.Total = p.Total
		if p.Bytes > j.Bytes {
			j.Bytes = p.Bytes
		}
	case events.JobOutput:
		b.job(p.JobID).LastLine = p.Line
	case events.JobCompleted:
		j := b.job(p.JobID)
		j.Index = p.Index
		j.Label = p.Label
		j.RepositoryURL = p.RepositoryURL
		j.Done = true
		j.Succeeded = p.Succeeded
		j.DurationMS = p.DurationMS
		j.ExitCode = p.ExitCode
		j.Error = p.Error
		if p.Stage != "" {
			j.Stage = p.Stage
		}
		j.EndedAt = ev.At
	case events.RunCompleted:
		b.finished = true
	}
}

func (b *Board) job(id string) *Job {
	j, ok := b.jobs[id]
	if !ok {
		j = &Job{ID: id, ExitCode: -1}
		b.jobs[id] = j
	}
	return j
}

// Jobs returns a copy of every row ordered by spawn index.
func (b *Board) Jobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Job, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out
}

// Get returns one row.
func (b *Board) Get(id string) (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (b *Board) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Summary{Jobs: len(b.jobs), Finished: b.finished}
	for _, j := range b.jobs {
		switch {
		case !j.Done:
			s.Running++
		case j.Succeeded:
			s.Succeeded++
		default:
			s.Failed++
		}
	}
	return s
}
