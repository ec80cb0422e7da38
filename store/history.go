package store

import (
	"sort"

	"github.com/Dyastin-0/zipline/core"
)

const (
	HistoryKey             = "zipline_transfer_history"
	SaveLocationsKey       = "zipline_save_locations"
	DefaultSaveLocationKey = "zipline_default_save_location"
)

// History keeps completed sessions as a JSON array under HistoryKey.
type History struct {
	file *File
}

func NewHistory(f *File) *History {
	return &History{file: f}
}

func (h *History) Load() ([]core.Session, error) {
	var sessions []core.Session
	if _, err := h.file.Get(HistoryKey, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Save merges sessions into the stored history by id. Sessions another
// process stored since this one loaded are kept.
func (h *History) Save(sessions []core.Session) error {
	var stored []core.Session
	return h.file.Update(HistoryKey, &stored, func(bool) error {
		stored = mergeSessions(stored, sessions)
		return nil
	})
}

// Clear empties the stored history.
func (h *History) Clear() error {
	return h.file.Set(HistoryKey, []core.Session{})
}

// mergeSessions returns stored and updates combined, updates winning on a
// shared id, ordered by start time.
func mergeSessions(stored, updates []core.Session) []core.Session {
	byID := make(map[string]core.Session, len(stored)+len(updates))
	for _, s := range stored {
		if s.ID != "" {
			byID[s.ID] = s
		}
	}
	for _, s := range updates {
		if s.ID != "" {
			byID[s.ID] = s
		}
	}

	out := make([]core.Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
