package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu      sync.Mutex
	saved   []Session
	saves   int
	clears  int
	loadErr error
}

func (m *memHistory) Load() ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.loadErr
}

func (m *memHistory) Save(s []Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = s
	m.saves++
	return nil
}

func (m *memHistory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = nil
	m.clears++
	return nil
}

func (m *memHistory) snapshot() ([]Session, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.saves
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestRegistryLifecycleOrder(t *testing.T) {
	history := &memHistory{}
	r := NewRegistry(history, nil)
	events, unsubscribe := r.Subscribe(16)
	defer unsubscribe()

	s := r.Begin(Session{Direction: DirectionReceiving, TotalSize: 10, TotalFiles: 1})
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusPending, s.Status)

	r.Update(s.ID, func(s *Session) {
		s.Status = StatusInProgress
		s.TransferredSize = 4
	})

	final, ok := r.Finish(s.ID, func(s *Session) {
		s.Status = StatusCompleted
	})
	require.True(t, ok)
	assert.Equal(t, int64(10), final.TransferredSize)
	assert.Equal(t, int64(1), final.CompletedFiles)
	assert.False(t, final.CompletedAt.IsZero())

	assert.Equal(t, EventStarted, next(t, events).Kind)
	progress := next(t, events)
	assert.Equal(t, EventProgress, progress.Kind)
	assert.Equal(t, int64(4), progress.Session.TransferredSize)
	assert.Equal(t, EventCompleted, next(t, events).Kind)

	assert.Empty(t, r.Active())
	require.Len(t, r.Completed(), 1)

	saved, saves := history.snapshot()
	assert.Equal(t, 1, saves)
	require.Len(t, saved, 1)
	assert.Equal(t, s.ID, saved[0].ID)
}

func TestRegistryUpdateCannotTerminate(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := r.Begin(Session{TotalSize: 10})

	snap, ok := r.Update(s.ID, func(s *Session) { s.Status = StatusCompleted })
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, snap.Status)

	_, ok = r.Update("missing", func(*Session) {})
	assert.False(t, ok)
}

func TestRegistryFinishWithoutTerminalStatusFails(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := r.Begin(Session{TotalSize: 10})

	final, ok := r.Finish(s.ID, nil)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)

	_, ok = r.Finish(s.ID, nil)
	assert.False(t, ok)
}

func TestRegistryFailMapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantError  string
	}{
		{name: "declined", err: &DeclinedError{Reason: "busy"}, wantStatus: StatusCancelled, wantError: "busy"},
		{name: "cancelled", err: ErrCancelled, wantStatus: StatusCancelled, wantError: ""},
		{name: "io", err: errors.New("disk full"), wantStatus: StatusFailed, wantError: "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, nil)
			failed, unsubscribe := r.Subscribe(4, EventFailed)
			defer unsubscribe()

			s := r.Begin(Session{TotalSize: 10})
			r.Update(s.ID, func(s *Session) { s.TransferredSize = 3 })

			final, ok := r.Fail(s.ID, tt.err)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, final.Status)
			assert.Equal(t, tt.wantError, final.Error)
			assert.Equal(t, int64(3), final.TransferredSize)

			ev := next(t, failed)
			assert.Equal(t, EventFailed, ev.Kind)
			assert.Equal(t, tt.wantStatus, ev.Session.Status)
		})
	}
}

func TestRegistryLoadsHistory(t *testing.T) {
	history := &memHistory{saved: []Session{
		{ID: "1", Status: StatusCompleted, StartedAt: time.Unix(10, 0)},
		{ID: "", Status: StatusCompleted},
		{ID: "2", Status: StatusFailed, StartedAt: time.Unix(5, 0)},
	}}

	r := NewRegistry(history, nil)
	completed := r.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, "2", completed[0].ID)
	assert.Equal(t, "1", completed[1].ID)

	got, ok := r.Get("1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)

	require.NoError(t, r.ClearHistory())
	assert.Empty(t, r.Completed())
	saved, _ := history.snapshot()
	assert.Empty(t, saved)
	assert.Equal(t, 1, history.clears)
}

func TestRegistryBeginRenamesTakenID(t *testing.T) {
	r := NewRegistry(&memHistory{saved: []Session{
		{ID: "1700000000000", Status: StatusCompleted},
	}}, nil)
	events, unsubscribe := r.Subscribe(16, EventStarted)
	defer unsubscribe()

	first := r.Begin(Session{ID: "1700000000001", TotalSize: 4, TotalFiles: 1})
	second := r.Begin(Session{ID: "1700000000001", TotalSize: 9, TotalFiles: 2})
	third := r.Begin(Session{ID: "1700000000001"})
	old := r.Begin(Session{ID: "1700000000000"})

	assert.Equal(t, "1700000000001", first.ID)
	assert.Equal(t, "1700000000001-2", second.ID)
	assert.Equal(t, "1700000000001-3", third.ID)
	assert.Equal(t, "1700000000000-2", old.ID)
	assert.Equal(t, first.ID, next(t, events).Session.ID)
	assert.Equal(t, second.ID, next(t, events).Session.ID)

	r.Finish(first.ID, func(s *Session) { s.Status = StatusCompleted })

	got, ok := r.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, int64(9), got.TotalSize)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, r.Active(), 3)
}

func TestRegistryHistoryLoadFailureStartsEmpty(t *testing.T) {
	r := NewRegistry(&memHistory{loadErr: errors.New("corrupt")}, nil)
	assert.Empty(t, r.Completed())
}

func TestRegistryKindFilter(t *testing.T) {
	r := NewRegistry(nil, nil)
	texts, unsubscribe := r.Subscribe(4, EventText, EventRequestRejected)
	defer unsubscribe()

	s := r.Begin(Session{})
	r.TextReceived(TextEvent{SessionID: s.ID, Text: "hi"})
	r.RejectRequest(RejectedRequest{TransferID: "9", Reason: "busy"})

	ev := next(t, texts)
	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, "hi", ev.Text.Text)

	ev = next(t, texts)
	assert.Equal(t, EventRequestRejected, ev.Kind)
	assert.Equal(t, "busy", ev.Rejected.Reason)
}

func TestRegistryCloseEndsSubscriptions(t *testing.T) {
	r := NewRegistry(nil, nil)
	events, _ := r.Subscribe(1)
	r.Close()

	_, ok := <-events
	assert.False(t, ok)
}

func TestEventKindNames(t *testing.T) {
	assert.Equal(t, "request_rejected", EventRequestRejected.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
