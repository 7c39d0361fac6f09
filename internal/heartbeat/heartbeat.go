// Package heartbeat is the watchdog for stalled executions. A probe
// fires a fixed delay after a step begins and declares progress normal,
// resumes the stalled step, or escalates to a human once recovery
// attempts run out. Probes are idempotent: re-checking a resolved or
// already-escalated execution reports "none" harmlessly.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/executor"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// Service implements the heartbeat state machine over the audit store.
type Service struct {
	store audit.Store
	exec  *executor.Executor
	cfg   config.Pipeline

	mu      sync.Mutex
	records map[string]*models.HeartbeatRecord // key: execution ID
}

// NewService creates the watchdog service.
func NewService(store audit.Store, exec *executor.Executor, cfg config.Pipeline) *Service {
	return &Service{
		store:   store,
		exec:    exec,
		cfg:     cfg,
		records: make(map[string]*models.HeartbeatRecord),
	}
}

// CheckHeartbeat inspects an execution's audit log and decides whether
// it progressed normally, should be resumed, or must be escalated.
// Safe to call repeatedly with the same arguments.
func (s *Service) CheckHeartbeat(ctx context.Context, executionID string, expectedStepIndex int) (*models.HeartbeatResult, error) {
	auditLog, err := s.store.Get(ctx, executionID)
	if err != nil {
		if _, notFound := err.(*audit.ErrNotFound); notFound {
			// At-least-once delivery means probes can outlive their
			// execution; an unknown ID is not a watchdog problem.
			return &models.HeartbeatResult{
				Action:           models.HeartbeatNone,
				Reason:           "unknown execution",
				CurrentStepIndex: -1,
			}, nil
		}
		return nil, err
	}

	current := auditLog.MaxExecutedIndex()

	if auditLog.Escalation != nil {
		return &models.HeartbeatResult{
			Action:           models.HeartbeatNone,
			Reason:           "already escalated, human intervention pending",
			CurrentStepIndex: current,
		}, nil
	}
	if auditLog.FinalOutcome != "" {
		s.resolve(executionID)
		return &models.HeartbeatResult{
			Action:           models.HeartbeatNone,
			Reason:           "execution complete",
			CurrentStepIndex: current,
		}, nil
	}
	if current >= expectedStepIndex {
		return &models.HeartbeatResult{
			Action:           models.HeartbeatNone,
			Reason:           fmt.Sprintf("progressed to step %d", current),
			CurrentStepIndex: current,
		}, nil
	}

	rec := s.snapshotFor(executionID, expectedStepIndex)
	if rec.Resolved {
		return &models.HeartbeatResult{
			Action:           models.HeartbeatNone,
			Reason:           "heartbeat already resolved",
			CurrentStepIndex: current,
		}, nil
	}
	if rec.RecoveryAttempts >= s.cfg.MaxRecoveryAttempts {
		exhausted := &models.ErrRecoveryExhausted{ExecutionID: executionID, Attempts: rec.RecoveryAttempts}
		return &models.HeartbeatResult{
			Action:           models.HeartbeatEscalate,
			Reason:           fmt.Sprintf("stalled at step %d: %v", expectedStepIndex, exhausted),
			CurrentStepIndex: current,
		}, nil
	}
	return &models.HeartbeatResult{
		Action:           models.HeartbeatResume,
		Reason:           fmt.Sprintf("stalled at step %d, %d recovery attempts remain", expectedStepIndex, s.cfg.MaxRecoveryAttempts-rec.RecoveryAttempts),
		CurrentStepIndex: current,
	}, nil
}

// ExecuteRecovery reissues the stalled step. One bounded attempt is
// counted whether or not it succeeds, so repeated stalls cannot
// recurse indefinitely. Returns *models.ErrRecoveryExhausted once the
// budget for the current step is spent.
func (s *Service) ExecuteRecovery(ctx context.Context, executionID string, expectedStepIndex int) error {
	s.mu.Lock()
	rec := s.recordForLocked(executionID, expectedStepIndex)
	if rec.RecoveryAttempts >= s.cfg.MaxRecoveryAttempts {
		attempts := rec.RecoveryAttempts
		s.mu.Unlock()
		return &models.ErrRecoveryExhausted{ExecutionID: executionID, Attempts: attempts}
	}
	rec.RecoveryAttempts++
	rec.LastKnownState = fmt.Sprintf("recovery attempt %d at step %d", rec.RecoveryAttempts, expectedStepIndex)
	attempts := rec.RecoveryAttempts
	s.mu.Unlock()

	log.Info().
		Str("execution", executionID).
		Int("step", expectedStepIndex).
		Int("attempt", attempts).
		Msg("Resuming stalled execution")

	result, err := s.exec.ExecuteStep(ctx, executionID, expectedStepIndex)
	if err != nil {
		return fmt.Errorf("recovery execution: %w", err)
	}
	if !result.Success {
		if result.Failure != nil {
			return fmt.Errorf("recovery step failed: %w", result.Failure)
		}
		return fmt.Errorf("recovery step failed: %s", result.Error)
	}
	return nil
}

// EscalateToHuman hands the execution off. Terminal for this heartbeat
// cycle: no further automatic recovery happens until a human acts.
func (s *Service) EscalateToHuman(ctx context.Context, executionID string, reason string) error {
	s.mu.Lock()
	attempts := 0
	expectedStep := 0
	state := reason
	if rec := s.records[executionID]; rec != nil {
		rec.Resolved = true
		attempts = rec.RecoveryAttempts
		expectedStep = rec.ExpectedStepIndex
		if rec.LastKnownState != "" {
			state = rec.LastKnownState + "; " + reason
		}
	}
	s.mu.Unlock()

	esc := &models.Escalation{
		Reason:         reason,
		LastKnownState: state,
		ExpectedStep:   expectedStep,
		At:             time.Now().UTC(),
	}

	if err := s.store.Patch(ctx, executionID, models.AuditPatch{Escalation: esc}); err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}

	log.Error().
		Str("execution", executionID).
		Int("recovery_attempts", attempts).
		Str("reason", reason).
		Msg("Execution escalated to human")
	return nil
}

// Probe is the full watchdog cycle used by the HTTP endpoint and the
// background monitor: check, then resume or escalate as indicated. A
// failed resumption escalates immediately.
func (s *Service) Probe(ctx context.Context, executionID string, expectedStepIndex int) (*models.HeartbeatResult, error) {
	result, err := s.CheckHeartbeat(ctx, executionID, expectedStepIndex)
	if err != nil {
		return nil, err
	}

	switch result.Action {
	case models.HeartbeatResume:
		if recErr := s.ExecuteRecovery(ctx, executionID, expectedStepIndex); recErr != nil {
			reason := fmt.Sprintf("resumption failed: %v", recErr)
			// A concurrent probe may have spent the budget between the
			// check and the recovery attempt.
			var exhausted *models.ErrRecoveryExhausted
			if errors.As(recErr, &exhausted) {
				reason = exhausted.Error()
			}
			if escErr := s.EscalateToHuman(ctx, executionID, reason); escErr != nil {
				return nil, escErr
			}
			result = &models.HeartbeatResult{
				Action:           models.HeartbeatEscalate,
				Reason:           reason,
				CurrentStepIndex: result.CurrentStepIndex,
			}
		}
	case models.HeartbeatEscalate:
		if escErr := s.EscalateToHuman(ctx, executionID, result.Reason); escErr != nil {
			return nil, escErr
		}
	}
	return result, nil
}

// Record returns a copy of the heartbeat record for an execution, if any.
func (s *Service) Record(executionID string) (models.HeartbeatRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok {
		return models.HeartbeatRecord{}, false
	}
	return *rec, true
}

func (s *Service) resolve(executionID string) {
	s.mu.Lock()
	if rec, ok := s.records[executionID]; ok {
		rec.Resolved = true
	}
	s.mu.Unlock()
}

// snapshotFor copies the record's state out under the lock so the
// caller can decide without racing concurrent recoveries.
func (s *Service) snapshotFor(executionID string, expectedStepIndex int) models.HeartbeatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recordForLocked(executionID, expectedStepIndex)
}

func (s *Service) recordForLocked(executionID string, expectedStepIndex int) *models.HeartbeatRecord {
	rec, ok := s.records[executionID]
	if !ok {
		rec = &models.HeartbeatRecord{
			ExecutionID:       executionID,
			ExpectedStepIndex: expectedStepIndex,
			StartedAt:         time.Now().UTC(),
		}
		s.records[executionID] = rec
	}
	if expectedStepIndex > rec.ExpectedStepIndex {
		// The execution moved on; recovery attempts reset for the new step.
		rec.ExpectedStepIndex = expectedStepIndex
		rec.RecoveryAttempts = 0
		rec.Resolved = false
	}
	return rec
}
