package identity

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/audit"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

const collection = "identities"

var columns = []string{
	"id", "state", "data_status", "profile", "additional_fields", "fingerprint",
	"last_sync_at", "last_backend_sync_at", "primary_employee_number",
	"src_fusion_id", "dest_fusion_id", "ignore_fusion", "deleted_flag",
	"metadata", "created_at", "updated_at",
}

// runner is the subset of database operations shared by DB and Tx, so every
// method transparently joins a transaction carried on the context.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Repository handles identity persistence
type Repository struct {
	db       database.DB
	logger   ectologger.Logger
	recorder *audit.Recorder
}

// NewRepository creates a new identity repository
func NewRepository(db database.DB, logger ectologger.Logger, recorder *audit.Recorder) *Repository {
	return &Repository{
		db:       db,
		logger:   logger,
		recorder: recorder,
	}
}

// DB returns the underlying database for transaction management.
func (r *Repository) DB() database.DB {
	return r.db
}

func (r *Repository) run(ctx context.Context) runner {
	if tx, ok := database.TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Get retrieves an identity by ID, including soft-deleted rows.
func (r *Repository) Get(ctx context.Context, id string) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identities")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entity models.Identity
	if err := r.run(ctx).GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "identity %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identity")
	}
	return &entity, nil
}

// GetByIDs retrieves identities by IDs, preserving only existing rows.
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.GetByIDs")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identities")
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))

	query, args := sb.Build()
	var entities []models.Identity
	if err := r.run(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"ids": ids}).Error("Failed to get identities by IDs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identities")
	}
	return entities, nil
}

// FindByNaturalKey returns the identity holding the given employeeNumber
// (any array element, not just the first: a fused identity keeps its
// merged-in numbers and an upsert targeting one of them must reach the
// golden record, where the primaryEmployeeNumber guard refuses it) and
// employeeType, or nil when none exists. Soft-deleted rows are returned
// too, live rows first, so the upsert pipeline can refuse to resurrect a
// deleted identity instead of silently creating a twin. Golden records are
// preferred over fusion tombstones.
func (r *Repository) FindByNaturalKey(ctx context.Context, employeeNumber, employeeType string) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.FindByNaturalKey")
	defer span.End()

	query := `
		SELECT ` + selectColumns() + `
		FROM identities
		WHERE profile -> 'employeeNumber' @> to_jsonb($1::text)
		  AND profile ->> 'employeeType' = $2
		ORDER BY deleted_flag ASC, (dest_fusion_id IS NOT NULL) ASC, updated_at DESC
		LIMIT 1
	`

	var entity models.Identity
	if err := r.run(ctx).GetContext(ctx, &entity, query, employeeNumber, employeeType); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"employee_number": employeeNumber, "employee_type": employeeType}).Error("Failed to find identity by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find identity")
	}
	return &entity, nil
}

// FindByUID returns the non-deleted identity with the given uid, or nil.
func (r *Repository) FindByUID(ctx context.Context, uid string) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.FindByUID")
	defer span.End()

	query := `
		SELECT ` + selectColumns() + `
		FROM identities
		WHERE profile ->> 'uid' = $1
		  AND NOT deleted_flag
		LIMIT 1
	`

	var entity models.Identity
	if err := r.run(ctx).GetContext(ctx, &entity, query, uid); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"uid": uid}).Error("Failed to find identity by uid")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find identity")
	}
	return &entity, nil
}

// UpsertRow is the identity returned by Upsert along with whether the row
// was freshly inserted.
type UpsertRow struct {
	models.Identity
	Inserted bool `db:"inserted"`
}

// Upsert atomically creates or updates the identity matching its natural key.
// The write is a single INSERT...ON CONFLICT so concurrent submissions of the
// same identity cannot race into two rows. last_sync_at is set server-side.
// before is the pre-image the caller loaded, used for the audit trail.
func (r *Repository) Upsert(ctx context.Context, next models.Identity, before *models.Identity) (*UpsertRow, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Upsert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":          "Upsert",
		"employee_number": next.Profile.GetValue().FirstEmployeeNumber(),
		"employee_type":   next.Profile.GetValue().EmployeeType,
	})

	now := time.Now().UTC()
	if next.ID == "" {
		next.ID = uuid.New().String()
	}

	query := `
		INSERT INTO identities (
			id, state, data_status, profile, additional_fields, fingerprint,
			last_sync_at, primary_employee_number, ignore_fusion, deleted_flag,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now(), $7, $8, FALSE, $9, $10, $10)
		ON CONFLICT ((profile -> 'employeeNumber' ->> 0), (profile ->> 'employeeType')) WHERE NOT deleted_flag
		DO UPDATE SET
			state = EXCLUDED.state,
			profile = EXCLUDED.profile,
			additional_fields = EXCLUDED.additional_fields,
			last_sync_at = now(),
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + selectColumns() + `, (xmax = 0) AS inserted
	`

	var result UpsertRow
	err := r.run(ctx).GetContext(ctx, &result, query,
		next.ID, next.State, next.DataStatus, next.Profile, next.AdditionalFields,
		next.Fingerprint, next.PrimaryEmployeeNumber, next.IgnoreFusion,
		next.Metadata, now,
	)
	if err != nil {
		log.WithError(err).Error("Failed to upsert identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert identity")
	}

	op := models.AuditOperationUpdate
	var beforeImage any
	if before != nil {
		beforeImage = before
	}
	if result.Inserted {
		op = models.AuditOperationInsert
		beforeImage = nil
		log.WithFields(map[string]any{"id": result.ID}).Info("Created identity")
	} else {
		log.WithFields(map[string]any{"id": result.ID}).Info("Updated identity")
	}
	r.recorder.Record(ctx, collection, result.ID, op, beforeImage, &result.Identity)

	return &result, nil
}

// UpdateFingerprint persists a recomputed fingerprint. The write is
// conditional so redundant recomputes after merges are no-ops.
func (r *Repository) UpdateFingerprint(ctx context.Context, id, fp string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.UpdateFingerprint")
	defer span.End()

	query := `
		UPDATE identities
		SET fingerprint = $2, updated_at = now()
		WHERE id = $1 AND fingerprint IS DISTINCT FROM $2
	`
	if _, err := r.run(ctx).ExecContext(ctx, query, id, fp); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to update fingerprint")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update fingerprint")
	}
	return nil
}

// TouchLastSync refreshes last_sync_at without touching anything else. Used
// when an inbound payload matches the stored fingerprint exactly.
func (r *Repository) TouchLastSync(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.TouchLastSync")
	defer span.End()

	query := `UPDATE identities SET last_sync_at = now() WHERE id = $1`
	if _, err := r.run(ctx).ExecContext(ctx, query, id); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to touch last_sync_at")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to refresh identity")
	}
	return nil
}

// Update replaces the mutable portions of an identity. It loads the pre-image
// first so the audit trail records the real delta.
func (r *Repository) Update(ctx context.Context, next models.Identity) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Update")
	defer span.End()

	before, err := r.Get(ctx, next.ID)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("identities")
	sb.Set(
		sb.Assign("state", next.State),
		sb.Assign("data_status", next.DataStatus),
		sb.Assign("profile", next.Profile),
		sb.Assign("additional_fields", next.AdditionalFields),
		sb.Assign("fingerprint", next.Fingerprint),
		sb.Assign("primary_employee_number", next.PrimaryEmployeeNumber),
		sb.Assign("src_fusion_id", next.SrcFusionID),
		sb.Assign("dest_fusion_id", next.DestFusionID),
		sb.Assign("ignore_fusion", next.IgnoreFusion),
		sb.Assign("metadata", next.Metadata),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("id", next.ID))

	query, args := sb.Build()
	if _, err := r.run(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": next.ID}).Error("Failed to update identity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity")
	}

	after, err := r.Get(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	r.recorder.Record(ctx, collection, next.ID, models.AuditOperationUpdate, before, after)
	return after, nil
}

// UpdateState transitions a single identity to the given lifecycle state.
func (r *Repository) UpdateState(ctx context.Context, id string, state models.LifecycleState) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.UpdateState")
	defer span.End()

	before, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `UPDATE identities SET state = $2, updated_at = now() WHERE id = $1`
	if _, err := r.run(ctx).ExecContext(ctx, query, id, state); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "state": state}).Error("Failed to update identity state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity state")
	}

	after := *before
	after.State = state
	r.recorder.Record(ctx, collection, id, models.AuditOperationUpdate, before, &after)
	return &after, nil
}

// UpdateStateMany transitions several identities at once and returns the
// number of rows that actually changed.
func (r *Repository) UpdateStateMany(ctx context.Context, ids []string, state models.LifecycleState) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.UpdateStateMany")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("identities")
	sb.Set(sb.Assign("state", state), sb.Assign("updated_at", time.Now().UTC()))
	sb.Where(
		sb.In("id", sqlbuilder.Flatten(ids)...),
		sb.NotEqual("state", state),
	)

	query, args := sb.Build()
	result, err := r.run(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"ids": ids, "state": state}).Error("Failed to update identity states")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity states")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{"state": state, "count": rows}).Info("Updated identity states")
	return rows, nil
}

// UpdateDataStatus sets the provisioning data status of an identity.
func (r *Repository) UpdateDataStatus(ctx context.Context, id string, status models.DataStatus) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.UpdateDataStatus")
	defer span.End()

	before, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `UPDATE identities SET data_status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.run(ctx).ExecContext(ctx, query, id, status); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "data_status": status}).Error("Failed to update identity data status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity data status")
	}

	after := *before
	after.DataStatus = status
	r.recorder.Record(ctx, collection, id, models.AuditOperationUpdate, before, &after)
	return &after, nil
}

// SetLastBackendSync records the time the downstream directories last
// acknowledged this identity.
func (r *Repository) SetLastBackendSync(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.SetLastBackendSync")
	defer span.End()

	query := `UPDATE identities SET last_backend_sync_at = $2, updated_at = now() WHERE id = $1`
	if _, err := r.run(ctx).ExecContext(ctx, query, id, at.UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to set last backend sync")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity")
	}
	return nil
}

// CountUIDConflicts counts live, syncable identities other than excludeID
// holding the given uid.
func (r *Repository) CountUIDConflicts(ctx context.Context, uid, excludeID string) (int, error) {
	return r.countProfileConflicts(ctx, "uid", uid, excludeID)
}

// CountMailConflicts counts live, syncable identities other than excludeID
// holding the given mail.
func (r *Repository) CountMailConflicts(ctx context.Context, mail, excludeID string) (int, error) {
	return r.countProfileConflicts(ctx, "mail", mail, excludeID)
}

func (r *Repository) countProfileConflicts(ctx context.Context, field, value, excludeID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.countProfileConflicts")
	defer span.End()

	if value == "" {
		return 0, nil
	}

	query := `
		SELECT COUNT(*)
		FROM identities
		WHERE profile ->> '` + field + `' = $1
		  AND id <> $2
		  AND NOT deleted_flag
		  AND state <> $3
	`

	var count int
	if err := r.run(ctx).GetContext(ctx, &count, query, value, excludeID, models.StateDontSync); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"field": field, "value": value}).Error("Failed to count profile conflicts")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check identity uniqueness")
	}
	return count, nil
}

// ListDuplicateCandidates returns every identity eligible for duplicate
// grouping: live, syncable, not already absorbed by a fusion, and not local.
func (r *Repository) ListDuplicateCandidates(ctx context.Context) ([]models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.ListDuplicateCandidates")
	defer span.End()

	query := `
		SELECT ` + selectColumns() + `
		FROM identities
		WHERE NOT deleted_flag
		  AND state <> $1
		  AND dest_fusion_id IS NULL
		  AND profile ->> 'employeeType' <> $2
		ORDER BY created_at
	`

	var entities []models.Identity
	if err := r.run(ctx).SelectContext(ctx, &entities, query, models.StateDontSync, models.EmployeeTypeLocal); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list duplicate candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list duplicate candidates")
	}
	return entities, nil
}

// ListParams filters and paginates identity listings.
type ListParams struct {
	States         []models.LifecycleState
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// ListResponse is a page of identities plus the unpaginated total.
type ListResponse struct {
	Items      []models.Identity `json:"items"`
	TotalCount int               `json:"totalCount"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
}

// List retrieves identities with filtering and pagination
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.List")
	defer span.End()

	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	offset := (params.Page - 1) * params.PageSize

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("identities")
	countWhere := listWhere(countSb, params)
	if len(countWhere) > 0 {
		countSb.Where(countWhere...)
	}

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.run(ctx).GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"states": params.States}).Error("Failed to count identities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count identities")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identities")
	where := listWhere(sb, params)
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(params.PageSize).Offset(offset)

	query, args := sb.Build()
	var entities []models.Identity
	if err := r.run(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"states": params.States}).Error("Failed to list identities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identities")
	}

	return &ListResponse{
		Items:      entities,
		TotalCount: totalCount,
		Page:       params.Page,
		PageSize:   params.PageSize,
	}, nil
}

func listWhere(sb *sqlbuilder.SelectBuilder, params ListParams) []string {
	var where []string
	if !params.IncludeDeleted {
		where = append(where, sb.Equal("deleted_flag", false))
	}
	if len(params.States) > 0 {
		states := make([]interface{}, 0, len(params.States))
		for _, s := range params.States {
			states = append(states, s)
		}
		where = append(where, sb.In("state", states...))
	}
	return where
}

// SetIgnoreFusion replaces the list of identities this row must never be
// fused with.
func (r *Repository) SetIgnoreFusion(ctx context.Context, id string, ignore []string) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.SetIgnoreFusion")
	defer span.End()

	before, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *before
	next.IgnoreFusion = database.JSONB[[]string]{Data: ignore}

	query := `UPDATE identities SET ignore_fusion = $2, updated_at = now() WHERE id = $1`
	if _, err := r.run(ctx).ExecContext(ctx, query, id, next.IgnoreFusion); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to set ignore fusion list")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update identity")
	}

	r.recorder.Record(ctx, collection, id, models.AuditOperationUpdate, before, &next)
	return &next, nil
}

// SoftDelete flags an identity as deleted without removing the row.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.SoftDelete")
	defer span.End()

	before, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	query := `UPDATE identities SET deleted_flag = TRUE, updated_at = now() WHERE id = $1 AND NOT deleted_flag`
	result, err := r.run(ctx).ExecContext(ctx, query, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to soft delete identity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete identity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "identity %s not found", id)
	}

	r.recorder.Record(ctx, collection, id, models.AuditOperationDelete, before, nil)
	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Soft deleted identity")
	return nil
}

func selectColumns() string {
	out := columns[0]
	for _, c := range columns[1:] {
		out += ", " + c
	}
	return out
}
