// Package history keeps a bounded per-session memory of resolved
// intents and recently failed tools, fed back into inference as prompt
// context for "actually, make it 2 people"-style continuity.
package history

import (
	"sync"

	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

const (
	maxIntents     = 5
	maxFailedTools = 5
)

type sessionState struct {
	intents     []models.Intent
	failedTools []string
}

// Tracker is a thread-safe session → recent-context map.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*sessionState)}
}

// RecordIntent appends a resolved intent to the session's ring.
func (t *Tracker) RecordIntent(sessionID string, intent models.Intent) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session(sessionID)
	s.intents = append(s.intents, intent)
	if len(s.intents) > maxIntents {
		s.intents = s.intents[len(s.intents)-maxIntents:]
	}
}

// RecordFailedTool notes a tool that failed for this session.
func (t *Tracker) RecordFailedTool(sessionID, tool string) {
	if sessionID == "" || tool == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session(sessionID)
	for _, existing := range s.failedTools {
		if existing == tool {
			return
		}
	}
	s.failedTools = append(s.failedTools, tool)
	if len(s.failedTools) > maxFailedTools {
		s.failedTools = s.failedTools[len(s.failedTools)-maxFailedTools:]
	}
}

// Context returns the session's recent intents and failed tools.
func (t *Tracker) Context(sessionID string) (intents []models.Intent, failedTools []string) {
	if sessionID == "" {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	intents = make([]models.Intent, len(s.intents))
	copy(intents, s.intents)
	failedTools = make([]string, len(s.failedTools))
	copy(failedTools, s.failedTools)
	return intents, failedTools
}

func (t *Tracker) session(id string) *sessionState {
	s, ok := t.sessions[id]
	if !ok {
		s = &sessionState{}
		t.sessions[id] = s
	}
	return s
}
