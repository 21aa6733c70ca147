package job

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

var columns = []string{
	"id", "action", "concerned_id", "payload", "state", "result",
	"created_at", "processed_at", "finished_at",
}

// Repository handles backend job persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new job repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a pending job row.
func (r *Repository) Create(ctx context.Context, action models.ActionType, concernedID string, payload json.RawMessage) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "job.Repository.Create")
	defer span.End()

	j := models.Job{
		ID:          uuid.New().String(),
		Action:      action,
		ConcernedID: concernedID,
		Payload:     payload,
		State:       models.JobStatePending,
		CreatedAt:   time.Now().UTC(),
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("jobs")
	sb.Cols("id", "action", "concerned_id", "payload", "state", "created_at")
	sb.Values(j.ID, j.Action, j.ConcernedID, []byte(j.Payload), j.State, j.CreatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"action": action, "concerned_id": concernedID}).Error("Failed to create job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create job")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": j.ID, "action": action}).Info("Created job")
	return &j, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "job.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("jobs")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var j models.Job
	if err := r.db.GetContext(ctx, &j, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "job %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get job")
	}
	return &j, nil
}

// MarkInProgress transitions a pending job to IN_PROGRESS.
func (r *Repository) MarkInProgress(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "job.Repository.MarkInProgress")
	defer span.End()

	query := `
		UPDATE jobs
		SET state = $2, processed_at = now()
		WHERE id = $1 AND state = $3
	`
	if _, err := r.db.ExecContext(ctx, query, id, models.JobStateInProgress, models.JobStatePending); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to mark job in progress")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update job")
	}
	return nil
}

// Finish records the terminal state and result of a job.
func (r *Repository) Finish(ctx context.Context, id string, state models.JobState, result json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "job.Repository.Finish")
	defer span.End()

	query := `
		UPDATE jobs
		SET state = $2, result = $3, finished_at = now()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, state, []byte(result)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "state": state}).Error("Failed to finish job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update job")
	}
	return nil
}

// ListByConcernedID retrieves the jobs dispatched for one identity, newest
// first.
func (r *Repository) ListByConcernedID(ctx context.Context, concernedID string, limit int) ([]models.Job, error) {
	ctx, span := tracing.StartSpan(ctx, "job.Repository.ListByConcernedID")
	defer span.End()

	if limit < 1 || limit > 100 {
		limit = 20
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("jobs")
	sb.Where(sb.Equal("concerned_id", concernedID))
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"concerned_id": concernedID}).Error("Failed to list jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list jobs")
	}
	return jobs, nil
}
