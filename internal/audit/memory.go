package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// MemoryStore implements Store with an in-memory map plus an optional
// debounced JSON snapshot so executions survive restarts in local
// setups. The zero-config default.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*models.AuditLog

	snapshotPath string        // empty = no persistence
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewMemoryStore creates an in-memory audit store. If dataDir is
// non-empty, logs are snapshotted to audit.json inside it.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		logs:   make(map[string]*models.AuditLog),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, audit persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "audit.json")
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	return m
}

func (m *MemoryStore) Create(ctx context.Context, intent models.Intent, plan *models.Plan) (*models.AuditLog, error) {
	now := time.Now().UTC()
	entry := &models.AuditLog{
		ID:            uuid.NewString(),
		Intent:        intent,
		Plan:          plan,
		Steps:         []models.StepRecord{},
		ToolLatencies: map[string]*models.LatencySeries{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	m.logs[entry.ID] = entry
	m.mu.Unlock()
	m.requestSave()

	return cloneLog(entry), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.logs[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return cloneLog(entry), nil
}

func (m *MemoryStore) Patch(ctx context.Context, id string, patch models.AuditPatch) error {
	m.mu.Lock()
	entry, ok := m.logs[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{ID: id}
	}
	applyPatch(entry, patch)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuditLog, 0, len(m.logs))
	for _, entry := range m.logs {
		out = append(out, *cloneLog(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// cloneLog deep-copies through JSON so callers never hold references
// into the store's maps.
func cloneLog(entry *models.AuditLog) *models.AuditLog {
	raw, err := json.Marshal(entry)
	if err != nil {
		copied := *entry
		return &copied
	}
	var out models.AuditLog
	if err := json.Unmarshal(raw, &out); err != nil {
		copied := *entry
		return &copied
	}
	return &out
}

// ── Snapshot persistence ─────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.saveCh:
			// Debounce burst writes
			time.Sleep(250 * time.Millisecond)
			m.saveSnapshot()
		case <-m.doneCh:
			return
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	raw, err := json.MarshalIndent(m.logs, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Audit snapshot marshal failed")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Warn().Err(err).Msg("Audit snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("Audit snapshot rename failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	raw, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Audit snapshot read failed")
		}
		return
	}
	var logs map[string]*models.AuditLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		log.Warn().Err(err).Msg("Audit snapshot corrupt, starting empty")
		return
	}
	m.logs = logs
	log.Info().Int("executions", len(logs)).Msg("Audit snapshot loaded")
}
