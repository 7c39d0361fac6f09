// Package audit owns execution audit logs: identity, durable storage,
// and the keyed patch-merge semantics that let the step executor and
// the heartbeat watchdog mutate the same log concurrently without
// lost updates.
package audit

import (
	"context"
	"time"

	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// Store is the audit log persistence interface. Patch must deep-merge
// steps by step_index, never replace the whole document: the executor
// and the watchdog may both patch one log across disjoint key spaces
// concurrently.
type Store interface {
	Create(ctx context.Context, intent models.Intent, plan *models.Plan) (*models.AuditLog, error)
	Get(ctx context.Context, id string) (*models.AuditLog, error)
	Patch(ctx context.Context, id string, patch models.AuditPatch) error
	List(ctx context.Context, limit int) ([]models.AuditLog, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when a requested audit log does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string { return "audit log not found: " + e.ID }

// applyPatch folds a patch into a log in place. Both store
// implementations share this so the merge semantics cannot drift.
//
// Step merge is keyed by step_index: a later record for an index
// supersedes the current one, and the superseded record moves to the
// immutable History list so failed attempts stay inspectable after a
// replan swaps in a new step for the same slot.
func applyPatch(log *models.AuditLog, patch models.AuditPatch) {
	if patch.Plan != nil {
		log.Plan = patch.Plan
	}

	for _, rec := range patch.Steps {
		replaced := false
		for i := range log.Steps {
			if log.Steps[i].StepIndex == rec.StepIndex {
				log.History = append(log.History, log.Steps[i])
				log.Steps[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			log.Steps = append(log.Steps, rec)
		}
	}

	if patch.Latency != nil {
		if log.ToolLatencies == nil {
			log.ToolLatencies = make(map[string]*models.LatencySeries)
		}
		series := log.ToolLatencies[patch.Latency.Tool]
		if series == nil {
			series = &models.LatencySeries{}
			log.ToolLatencies[patch.Latency.Tool] = series
		}
		series.SamplesMs = append(series.SamplesMs, patch.Latency.Ms)
		series.TotalMs += patch.Latency.Ms
	}

	log.ReplannedCount += patch.ReplanDelta

	if patch.FinalOutcome != nil {
		log.FinalOutcome = *patch.FinalOutcome
	}
	if patch.EfficiencyFlag != nil {
		log.EfficiencyFlag = *patch.EfficiencyFlag
	}
	if patch.Escalation != nil {
		log.Escalation = patch.Escalation
	}

	log.UpdatedAt = time.Now().UTC()
}
