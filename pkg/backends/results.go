package backends

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/kafka"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// JobResultEvent is the verdict a backend worker publishes after processing
// a job.
type JobResultEvent struct {
	JobID       string            `json:"job_id"`
	Action      models.ActionType `json:"action"`
	ConcernedID string            `json:"concerned_id"`
	State       models.JobState   `json:"state"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// JobStore is the slice of the job repository the result updater needs to
// track job rows.
type JobStore interface {
	MarkInProgress(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, state models.JobState, result json.RawMessage) error
}

// IdentityStore is the slice of the identity repository the result updater
// needs to apply sync verdicts.
type IdentityStore interface {
	UpdateState(ctx context.Context, id string, state models.LifecycleState) (*models.Identity, error)
	SetLastBackendSync(ctx context.Context, id string, at time.Time) error
}

// ResultUpdater applies worker verdicts: it closes the job row and, for sync
// jobs, transitions the concerned identity.
type ResultUpdater struct {
	jobs       JobStore
	identities IdentityStore
	logger     ectologger.Logger
}

func NewResultUpdater(jobs JobStore, identities IdentityStore, logger ectologger.Logger) *ResultUpdater {
	return &ResultUpdater{
		jobs:       jobs,
		identities: identities,
		logger:     logger,
	}
}

// Handle processes one result message. Malformed messages are logged and
// dropped; persistence errors are returned so the message is redelivered.
func (u *ResultUpdater) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "backends.ResultUpdater.Handle")
	defer span.End()

	var event JobResultEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		u.logger.WithContext(ctx).WithError(err).Error("Failed to parse job result event")
		return nil
	}
	if event.JobID == "" {
		u.logger.WithContext(ctx).WithFields(map[string]any{"state": event.State}).Warn("Ignoring job result without a job id")
		return nil
	}
	if event.State != models.JobStateCompleted && event.State != models.JobStateFailed {
		// A worker picked the job up but has not finished; record the
		// progress so ExecuteJobSync pollers see it moving.
		return u.jobs.MarkInProgress(ctx, event.JobID)
	}

	if err := u.jobs.Finish(ctx, event.JobID, event.State, event.Result); err != nil {
		return err
	}

	log := u.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":       event.JobID,
		"action":       event.Action,
		"concerned_id": event.ConcernedID,
		"state":        event.State,
	})

	switch event.Action {
	case models.ActionIdentityCreate, models.ActionIdentityUpdate:
		if event.State == models.JobStateCompleted {
			if _, err := u.identities.UpdateState(ctx, event.ConcernedID, models.StateSynced); err != nil {
				return err
			}
			at := event.Timestamp
			if at.IsZero() {
				at = time.Now().UTC()
			}
			if err := u.identities.SetLastBackendSync(ctx, event.ConcernedID, at); err != nil {
				return err
			}
		} else {
			if _, err := u.identities.UpdateState(ctx, event.ConcernedID, models.StateOnError); err != nil {
				return err
			}
		}
	case models.ActionIdentityActivation, models.ActionIdentityPasswordReset, models.ActionIdentityDelete:
		// Job bookkeeping only; the caller owns the identity row.
	}

	log.Debug("Applied job result")
	return nil
}
