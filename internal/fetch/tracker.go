package fetch

import "sync"

// Tracker accumulates progress for a single fetch and enforces the phase
// rule: Transferring events are emitted while received < total objects, the
// phase switches to CheckingOut exactly once when received reaches total,
// and never switches back. Events within a phase are monotonic.
type Tracker struct {
	mu       sync.Mutex
	sink     ProgressSink
	phase    Phase
	switches int
	received uint64
	total    uint64
	bytes    uint64
	files    uint64
	seen     bool // a sample was accepted in the current phase
}

// NewTracker returns a tracker forwarding to sink. A nil sink discards events.
func NewTracker(sink ProgressSink) *Tracker {
	if sink == nil {
		sink = NullSink
	}
	return &Tracker{sink: sink, phase: Transferring}
}

// ObserveTransfer records a network transfer sample.
func (t *Tracker) ObserveTransfer(received, total, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != Transferring || total == 0 {
		return
	}
	if received < t.received || (t.seen && received == t.received && bytes <= t.bytes) {
		return
	}
	t.seen = true
	t.received, t.total = received, total
	if bytes > t.bytes {
		t.bytes = bytes
	}

	if received >= total {
		t.phase = CheckingOut
		t.switches++
		t.seen = false
		return
	}
	t.sink.Progress(ProgressEvent{Phase: Transferring, Current: received, Total: total, Bytes: t.bytes})
}

// ObserveCheckout records a checkout sample. Samples before the transfer
// completed are dropped.
func (t *Tracker) ObserveCheckout(current, total uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != CheckingOut {
		return
	}
	if current < t.files || (t.seen && current == t.files) {
		return
	}
	t.seen = true
	t.files = current
	t.sink.Progress(ProgressEvent{Phase: CheckingOut, Current: current, Total: total})
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Switches returns how many times the phase changed. It is 0 or 1.
func (t *Tracker) Switches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.switches
}

// Bytes returns the largest transferred byte count observed.
func (t *Tracker) Bytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}
