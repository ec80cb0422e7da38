package core

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Dyastin-0/zipline/logger"
)

// HistorySink persists completed sessions.
type HistorySink interface {
	Load() ([]Session, error)
	Save([]Session) error
	Clear() error
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
	EventRequestRejected
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventRequestRejected:
		return "request_rejected"
	case EventText:
		return "text"
	default:
		return "unknown"
	}
}

// RejectedRequest describes an incoming request that did not turn into a
// session, either because it was declined or the sender cancelled it.
type RejectedRequest struct {
	TransferID string
	Peer       Peer
	Reason     string
}

type TextEvent struct {
	SessionID string
	Peer      Peer
	Text      string
}

// Event is delivered to registry subscribers. Session is set for the
// session lifecycle kinds, Rejected and Text for their own kinds.
type Event struct {
	Kind     EventKind
	Session  Session
	Rejected RejectedRequest
	Text     TextEvent
}

// Registry owns every session. Transfer tasks mutate their session through
// it and the rest of the program sees copies. Within one session, started
// precedes progress, which precedes the terminal event.
type Registry struct {
	mu        sync.Mutex
	active    map[string]*Session
	completed map[string]*Session

	persistMu sync.Mutex
	history   HistorySink

	events *Bus[Event]
	log    logger.Logger
	now    func() time.Time
}

func NewRegistry(history HistorySink, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}

	r := &Registry{
		active:    make(map[string]*Session),
		completed: make(map[string]*Session),
		history:   history,
		events:    NewBus[Event](),
		log:       log,
		now:       time.Now,
	}

	r.load()
	return r
}

func (r *Registry) load() {
	if r.history == nil {
		return
	}

	sessions, err := r.history.Load()
	if err != nil {
		r.log.WithErr(err).Warn("failed to load transfer history, starting empty")
		return
	}

	for i := range sessions {
		s := sessions[i]
		if s.ID == "" {
			continue
		}
		r.completed[s.ID] = &s
	}
}

// Subscribe delivers events of the given kinds, or all kinds when none are
// named. Progress events are dropped when the buffer is full; every other
// kind waits for room.
func (r *Registry) Subscribe(buffer int, kinds ...EventKind) (<-chan Event, func()) {
	if len(kinds) == 0 {
		return r.events.Subscribe(buffer, nil)
	}

	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	return r.events.Subscribe(buffer, func(ev Event) bool {
		return want[ev.Kind]
	})
}

// Begin registers a new active session and emits started. An id already
// in use gets a "-n" suffix; callers must use the returned session's id.
func (r *Registry) Begin(s Session) Session {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = r.now()
	}
	s.normalize()

	r.mu.Lock()
	s.ID = r.freeIDLocked(s.ID)
	stored := s.Clone()
	r.active[s.ID] = &stored
	r.mu.Unlock()

	r.events.Publish(Event{Kind: EventStarted, Session: s.Clone()})
	return s
}

func (r *Registry) freeIDLocked(id string) string {
	taken := func(id string) bool {
		_, active := r.active[id]
		_, completed := r.completed[id]
		return active || completed
	}

	if !taken(id) {
		return id
	}
	for n := 2; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if !taken(candidate) {
			r.log.WithStr("session", id).WithStr("renamed", candidate).Warn("session id already in use")
			return candidate
		}
	}
}

// Update applies fn to an active session and emits progress.
func (r *Registry) Update(id string, fn func(*Session)) (Session, bool) {
	r.mu.Lock()
	s, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}

	fn(s)
	if s.Status.Terminal() {
		s.Status = StatusInProgress
	}
	s.normalize()
	snap := s.Clone()
	r.mu.Unlock()

	r.events.Offer(Event{Kind: EventProgress, Session: snap})
	return snap, true
}

// Finish applies fn, moves the session to completed, persists history and
// emits completed or failed. Cancelled sessions go out as failed events.
func (r *Registry) Finish(id string, fn func(*Session)) (Session, bool) {
	r.mu.Lock()
	s, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}

	if fn != nil {
		fn(s)
	}
	if !s.Status.Terminal() {
		s.Status = StatusFailed
		if s.Error == "" {
			s.Error = "transfer ended unexpectedly"
		}
	}
	if s.Status == StatusCompleted {
		s.Error = ""
	}
	if s.CompletedAt.IsZero() {
		s.CompletedAt = r.now()
	}
	s.CurrentSpeed = 0
	s.normalize()

	delete(r.active, id)
	r.completed[id] = s
	snap := s.Clone()
	r.mu.Unlock()

	r.persist()

	kind := EventFailed
	if snap.Status == StatusCompleted {
		kind = EventCompleted
	}
	r.events.Publish(Event{Kind: kind, Session: snap})

	return snap, true
}

// Fail terminates a session with err. Declines and context cancellation
// produce a cancelled session; anything else fails it.
func (r *Registry) Fail(id string, err error) (Session, bool) {
	return r.Finish(id, func(s *Session) {
		s.Status, s.Error = terminalFor(err)
	})
}

func terminalFor(err error) (Status, string) {
	var declined *DeclinedError
	switch {
	case errors.As(err, &declined):
		return StatusCancelled, declined.Reason
	case errors.Is(err, ErrCancelled):
		return StatusCancelled, ""
	case err == nil:
		return StatusFailed, "transfer ended unexpectedly"
	default:
		return StatusFailed, err.Error()
	}
}

func (r *Registry) RejectRequest(req RejectedRequest) {
	r.events.Publish(Event{Kind: EventRequestRejected, Rejected: req})
}

func (r *Registry) TextReceived(ev TextEvent) {
	r.events.Publish(Event{Kind: EventText, Text: ev})
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[id]; ok {
		return s.Clone(), true
	}
	if s, ok := r.completed[id]; ok {
		return s.Clone(), true
	}
	return Session{}, false
}

func (r *Registry) Active() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSnapshots(r.active)
}

func (r *Registry) Completed() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedSnapshots(r.completed)
}

// ClearHistory drops all completed sessions, here and in the sink.
func (r *Registry) ClearHistory() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	r.completed = make(map[string]*Session)
	r.mu.Unlock()

	if r.history == nil {
		return nil
	}
	if err := r.history.Clear(); err != nil {
		r.log.WithErr(err).Warn("failed to clear transfer history")
		return err
	}
	return nil
}

func (r *Registry) persist() error {
	if r.history == nil {
		return nil
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	sessions := sortedSnapshots(r.completed)
	r.mu.Unlock()

	if err := r.history.Save(sessions); err != nil {
		r.log.WithErr(err).Warn("failed to persist transfer history")
		return err
	}
	return nil
}

// Close ends every subscription.
func (r *Registry) Close() {
	r.events.Close()
}

func sortedSnapshots(m map[string]*Session) []Session {
	out := make([]Session, 0, len(m))
	for _, s := range m {
		out = append(out, s.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
