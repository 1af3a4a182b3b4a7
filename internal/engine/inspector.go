package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const inspectorHistoryLimit = 128

// ActivationRecord captures one pipeline run that found a skip control or
// failed part-way.
type ActivationRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	App       string    `json:"app"`
	Event     EventKind `json:"event"`
	Outcome   Outcome   `json:"outcome"`
	Label     string    `json:"label,omitempty"`
	Field     string    `json:"field,omitempty"`
	Depth     int       `json:"depth,omitempty"`
	Target    string    `json:"target,omitempty"`
	Level     int       `json:"level,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type activationLog struct {
	mu      sync.Mutex
	entries []ActivationRecord
	limit   int
}

func newActivationLog(limit int) *activationLog {
	if limit <= 0 {
		limit = inspectorHistoryLimit
	}
	return &activationLog{limit: limit}
}

func (l *activationLog) record(entry ActivationRecord) ActivationRecord {
	if l == nil {
		return entry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.limit {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.limit-1]
	}
	l.entries = append(l.entries, entry)
	return entry
}

func (l *activationLog) snapshot() []ActivationRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	return append([]ActivationRecord(nil), l.entries...)
}
