package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/kafka"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Dispatcher sends provisioning work to the backend workers. Implementations
// must record a job row before emitting, so every dispatched action is
// observable even when the worker never answers.
type Dispatcher interface {
	ExecuteJob(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error)
	// ExecuteJobSync dispatches a job and waits until a worker reports a
	// terminal state, or the context/timeout expires.
	ExecuteJobSync(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error)
	ActivationIdentity(ctx context.Context, identity *models.Identity, active bool) (*models.Job, error)
	AskToChangePassword(ctx context.Context, identity *models.Identity) (*models.Job, error)
	DeleteIdentities(ctx context.Context, identities []models.Identity) error
}

// JobRecorder is the slice of the job repository the dispatcher needs to
// record and poll job rows.
type JobRecorder interface {
	Create(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// EventPublisher emits job events for the backend workers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event *kafka.JobEvent) error
	PublishJobEvents(ctx context.Context, events []*kafka.JobEvent) error
}

// KafkaDispatcher records jobs in postgres and emits them on the job topic.
// Workers report back on the result topic; the ResultUpdater persists their
// verdicts, which is what ExecuteJobSync polls for.
type KafkaDispatcher struct {
	jobs         JobRecorder
	producer     EventPublisher
	logger       ectologger.Logger
	awaitTimeout time.Duration
	pollInterval time.Duration
}

func NewKafkaDispatcher(jobs JobRecorder, producer EventPublisher, logger ectologger.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{
		jobs:         jobs,
		producer:     producer,
		logger:       logger,
		awaitTimeout: 30 * time.Second,
		pollInterval: 250 * time.Millisecond,
	}
}

// ExecuteJob records a pending job and publishes it for the workers.
func (d *KafkaDispatcher) ExecuteJob(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "backends.KafkaDispatcher.ExecuteJob")
	defer span.End()

	j, err := d.jobs.Create(ctx, action, concernedID, payload)
	if err != nil {
		return nil, err
	}

	event := &kafka.JobEvent{
		JobID:       j.ID,
		Action:      action,
		ConcernedID: concernedID,
		Payload:     payload,
	}
	if err := d.producer.PublishJobEvent(ctx, event); err != nil {
		// The row stays PENDING; a sweeper or manual replay can re-emit it.
		d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": j.ID, "action": action}).Error("Failed to emit job event")
		return nil, err
	}

	return j, nil
}

// ExecuteJobSync dispatches a job and polls its row until a worker reports a
// terminal state. Expiry leaves the job IN_PROGRESS/PENDING and surfaces a
// gateway timeout.
func (d *KafkaDispatcher) ExecuteJobSync(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "backends.KafkaDispatcher.ExecuteJobSync")
	defer span.End()

	j, err := d.ExecuteJob(ctx, action, concernedID, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(d.awaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-deadline.C:
			d.logger.WithContext(ctx).WithFields(map[string]any{"job_id": j.ID, "action": action}).Warn("Timed out waiting for job result")
			return j, httperror.NewHTTPErrorf(http.StatusGatewayTimeout, "backend job %s did not complete in time", j.ID)
		case <-ticker.C:
			current, err := d.jobs.Get(ctx, j.ID)
			if err != nil {
				return nil, err
			}
			if current.State == models.JobStateCompleted || current.State == models.JobStateFailed {
				return current, nil
			}
		}
	}
}

type activationPayload struct {
	DataStatus models.DataStatus `json:"dataStatus"`
}

// ActivationIdentity dispatches an activation toggle for the identity.
func (d *KafkaDispatcher) ActivationIdentity(ctx context.Context, identity *models.Identity, active bool) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "backends.KafkaDispatcher.ActivationIdentity")
	defer span.End()

	status := models.DataStatusInactive
	if active {
		status = models.DataStatusActive
	}

	payload, err := json.Marshal(activationPayload{DataStatus: status})
	if err != nil {
		return nil, err
	}
	return d.ExecuteJobSync(ctx, models.ActionIdentityActivation, identity.ID, payload)
}

// AskToChangePassword dispatches a password reset request for the identity.
func (d *KafkaDispatcher) AskToChangePassword(ctx context.Context, identity *models.Identity) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "backends.KafkaDispatcher.AskToChangePassword")
	defer span.End()

	payload, err := json.Marshal(map[string]string{"uid": identity.Profile.GetValue().UID})
	if err != nil {
		return nil, err
	}
	return d.ExecuteJobSync(ctx, models.ActionIdentityPasswordReset, identity.ID, payload)
}

// DeleteIdentities dispatches directory deletions for every identity that
// the backends have seen. Identities never synced downstream have nothing to
// delete and are skipped.
func (d *KafkaDispatcher) DeleteIdentities(ctx context.Context, identities []models.Identity) error {
	ctx, span := tracing.StartSpan(ctx, "backends.KafkaDispatcher.DeleteIdentities")
	defer span.End()

	events := make([]*kafka.JobEvent, 0, len(identities))
	for i := range identities {
		identity := &identities[i]
		if identity.LastBackendSyncAt == nil {
			d.logger.WithContext(ctx).WithFields(map[string]any{"id": identity.ID}).Debug("Skipping backend delete for never-synced identity")
			continue
		}
		j, err := d.jobs.Create(ctx, models.ActionIdentityDelete, identity.ID, nil)
		if err != nil {
			return err
		}
		events = append(events, &kafka.JobEvent{
			JobID:       j.ID,
			Action:      models.ActionIdentityDelete,
			ConcernedID: identity.ID,
		})
	}

	if err := d.producer.PublishJobEvents(ctx, events); err != nil {
		// The rows stay PENDING; a sweeper or manual replay can re-emit them.
		d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_size": len(events)}).Error("Failed to emit delete job events")
		return err
	}
	return nil
}
