package core

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

type Direction string

const (
	DirectionSending   Direction = "sending"
	DirectionReceiving Direction = "receiving"
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusWaitingForAcceptance Status = "waiting_for_acceptance"
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
	ItemText   ItemType = "text"
)

// Item is one element of a session. Name is the forward-slash relative
// path used on the wire.
type Item struct {
	Type   ItemType `json:"type"`
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	Path   string   `json:"path,omitempty"`
	Text   string   `json:"text_content,omitempty"`
	Status Status   `json:"status"`
}

// WireName is the element name sent on the stream.
func (i Item) WireName() string {
	if i.Type == ItemText {
		return TextSentinel
	}
	return i.Name
}

// WireSize is the element size sent on the stream.
func (i Item) WireSize() int64 {
	if i.Type == ItemFolder {
		return FolderSize
	}
	return i.Size
}

type Session struct {
	ID        string    `json:"id"`
	Peer      Peer      `json:"peer"`
	Items     []Item    `json:"items"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`

	TotalSize       int64   `json:"total_size"`
	TotalFiles      int64   `json:"total_files"`
	TransferredSize int64   `json:"transferred_size"`
	CompletedFiles  int64   `json:"completed_files"`
	CurrentFileName string  `json:"current_file_name,omitempty"`
	CurrentSpeed    float64 `json:"current_speed"`
	Error           string  `json:"error,omitempty"`
	SaveRoot        string  `json:"save_root,omitempty"`

	StartedAt             time.Time `json:"started_at"`
	DataTransferStartedAt time.Time `json:"data_transfer_started_at,omitzero"`
	CompletedAt           time.Time `json:"completed_at,omitzero"`
}

// Clone returns a copy sharing no mutable state with s.
func (s *Session) Clone() Session {
	c := *s
	c.Items = slices.Clone(s.Items)
	return c
}

// Progress is the transferred fraction in [0, 1].
func (s *Session) Progress() float64 {
	if s.TotalSize <= 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(s.TransferredSize) / float64(s.TotalSize)
}

// Texts returns the text payloads carried by the session.
func (s *Session) Texts() []string {
	var out []string
	for _, item := range s.Items {
		if item.Type == ItemText {
			out = append(out, item.Text)
		}
	}
	return out
}

// normalize keeps the counters within their documented bounds.
func (s *Session) normalize() {
	if s.TransferredSize < 0 {
		s.TransferredSize = 0
	}
	if s.TransferredSize > s.TotalSize {
		s.TransferredSize = s.TotalSize
	}
	if s.Status == StatusCompleted {
		s.TransferredSize = s.TotalSize
		s.CompletedFiles = s.TotalFiles
	}
}

var sessionIDs struct {
	mu   sync.Mutex
	last int64
}

// NewSessionID returns a millisecond timestamp string, bumped when needed so
// ids are unique and increasing within the process.
func NewSessionID() string {
	sessionIDs.mu.Lock()
	defer sessionIDs.mu.Unlock()

	id := time.Now().UnixMilli()
	if id <= sessionIDs.last {
		id = sessionIDs.last + 1
	}
	sessionIDs.last = id

	return strconv.FormatInt(id, 10)
}
