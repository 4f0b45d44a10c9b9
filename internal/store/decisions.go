package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mailswipe/internal/unsubscribe"
)

// Direction is the user's swipe verdict on a message.
type Direction string

const (
	DirectionKeep    Direction = "keep"
	DirectionDismiss Direction = "dismiss"
)

// Decision records one swipe and, for dismissals, the unsubscribe outcome.
type Decision struct {
	MessageID   string              `json:"message_id"`
	Sender      string              `json:"sender"`
	Subject     string              `json:"subject,omitempty"`
	Direction   Direction           `json:"direction"`
	Unsubscribe *unsubscribe.Result `json:"unsubscribe,omitempty"`
	DecidedAt   time.Time           `json:"decided_at"`
}

type decisionFile struct {
	Decisions []Decision `json:"decisions"`
}

// DecisionLog persists swipe decisions to a JSON file. The whole log is held
// in memory and rewritten on every append; swipe volume is human-paced, so
// simplicity wins over incremental writes.
type DecisionLog struct {
	path string

	mu   sync.RWMutex
	list []Decision
	byID map[string]int
}

// OpenDecisionLog loads the log at path, creating an empty one if the file
// does not exist yet.
func OpenDecisionLog(path string) (*DecisionLog, error) {
	l := &DecisionLog{path: path, byID: make(map[string]int)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read decision log: %w", err)
	}

	var f decisionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse decision log %s: %w", path, err)
	}
	l.list = f.Decisions
	for i, d := range l.list {
		l.byID[d.MessageID] = i
	}
	return l, nil
}

// Append records a decision and writes the log to disk. A repeated decision
// for the same message replaces the earlier one.
func (l *DecisionLog) Append(d Decision) error {
	if d.MessageID == "" {
		return errors.New("decision has no message id")
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.byID[d.MessageID]; ok {
		l.list[i] = d
	} else {
		l.byID[d.MessageID] = len(l.list)
		l.list = append(l.list, d)
	}
	return l.save()
}

// Decided reports whether a decision exists for the message.
func (l *DecisionLog) Decided(messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[messageID]
	return ok
}

// Get returns the decision for a message, if any.
func (l *DecisionLog) Get(messageID string) (Decision, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[messageID]
	if !ok {
		return Decision{}, false
	}
	return l.list[i], true
}

// All returns a copy of every decision in append order.
func (l *DecisionLog) All() []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Decision, len(l.list))
	copy(out, l.list)
	return out
}

// Len returns the number of recorded decisions.
func (l *DecisionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.list)
}

// save writes to a temp file and renames it over the log, so a crash mid
// write never truncates existing decisions. Callers hold l.mu.
func (l *DecisionLog) save() error {
	data, err := json.MarshalIndent(decisionFile{Decisions: l.list}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode decision log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create decision log directory: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write decision log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace decision log: %w", err)
	}
	return nil
}
