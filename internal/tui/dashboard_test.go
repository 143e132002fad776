package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repobench/internal/events"
	"github.com/mattjoyce/repobench/internal/status"
)

func newDashboard(t *testing.T, cancel func()) (Model, *events.Hub) {
	t.Helper()
	hub := events.NewHub(64)
	board := status.NewBoard()
	t.Cleanup(board.Attach(hub))
	ch, unsubscribe := hub.Subscribe()
	t.Cleanup(unsubscribe)

	m := New(board, ch, cancel)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return next.(Model), hub
}

func feed(t *testing.T, m Model, hub *events.Hub, eventType string, data any) (Model, tea.Cmd) {
	t.Helper()
	hub.Publish(eventType, data)
	snap := hub.SnapshotSince(0)
	next, cmd := m.Update(eventMsg(snap[len(snap)-1]))
	return next.(Model), cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestDashboardRendersJobsAndProgress(t *testing.T) {
	m, hub := newDashboard(t, nil)

	m, _ = feed(t, m, hub, events.TypeJobSpawned, events.JobSpawned{JobID: "0123456789", Index: 0, Label: "build", RepositoryURL: "https://x/app.git"})
	m, _ = feed(t, m, hub, events.TypeJobProgress, events.JobProgress{JobID: "0123456789", Phase: "transferring", Current: 50, Total: 100, Bytes: 3 << 20})
	m, _ = feed(t, m, hub, events.TypeJobOutput, events.JobOutput{JobID: "0123456789", Stage: "prepare", Stream: "stdout", Line: "installing deps"})

	view := m.View()
	assert.Contains(t, view, "build")
	assert.Contains(t, view, "https://x/app.git")
	assert.Contains(t, view, "transferring  50% 3.0 MiB")
	assert.Contains(t, view, "[01234567] installing deps")
	assert.Contains(t, view, "Jobs: 1")
}

func TestDashboardQuitsWhenRunCompletes(t *testing.T) {
	cancelled := false
	m, hub := newDashboard(t, func() { cancelled = true })

	m, cmd := feed(t, m, hub, events.TypeJobCompleted, events.JobCompleted{JobID: "a", Succeeded: false, Stage: "fetch", Error: "network"})
	assert.False(t, isQuit(cmd))
	assert.Contains(t, strings.Join(m.log, "\n"), "failed in fetch: network")

	m, cmd = feed(t, m, hub, events.TypeRunCompleted, events.RunCompleted{Jobs: 1, Failed: 1})
	require.True(t, isQuit(cmd))
	assert.True(t, m.finished)
	assert.Contains(t, m.View(), "Run complete")

	// Quitting after completion does not cancel anything.
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, isQuit(cmd))
	assert.False(t, cancelled)
}

func TestDashboardEarlyQuitCancelsRun(t *testing.T) {
	cancelled := false
	m, _ := newDashboard(t, func() { cancelled = true })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, isQuit(cmd))
	assert.True(t, cancelled)
}

func TestDashboardLogIsBounded(t *testing.T) {
	m, hub := newDashboard(t, nil)
	for i := 0; i < maxLogLines+5; i++ {
		m, _ = feed(t, m, hub, events.TypeJobOutput, events.JobOutput{JobID: "j", Line: "line"})
	}
	assert.Len(t, m.log, maxLogLines)
}

func TestCloneProgress(t *testing.T) {
	assert.Equal(t, "-", cloneProgress(status.Job{}))
	assert.Equal(t, "checking out 100%", cloneProgress(status.Job{Phase: "checking_out", Current: 4, Total: 4}))
}

func TestStreamClosedQuits(t *testing.T) {
	m, _ := newDashboard(t, nil)
	next, cmd := m.Update(streamClosedMsg{})
	assert.True(t, isQuit(cmd))
	assert.True(t, next.(Model).finished)
}
