package audit

import (
	"context"
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
	"id", "coll", "document_id", "op", "agent", "snapshot", "changes",
	"metadata", "created_at",
}

// Repository handles audit entry persistence. Entries are append-only; there
// are no update or delete paths.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateEntry appends an audit entry. The write always goes through the base
// DB handle, never a transaction carried on the context: a failed audit
// insert inside a caller's transaction would poison it and sink the primary
// operation the entry merely describes.
func (r *Repository) CreateEntry(ctx context.Context, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.CreateEntry")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("audits")
	sb.Cols(columns...)
	sb.Values(
		entry.ID, entry.Coll, entry.DocumentID, entry.Op, entry.Agent,
		[]byte(entry.Snapshot), entry.Changes, entry.Metadata, entry.CreatedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"coll": entry.Coll, "document_id": entry.DocumentID, "op": entry.Op}).Error("Failed to create audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create audit entry")
	}
	return nil
}

// ListParams filters and paginates audit listings.
type ListParams struct {
	Coll       string
	DocumentID string
	Op         models.AuditOperation
	Page       int
	PageSize   int
}

// ListResponse is a page of audit entries plus the unpaginated total.
type ListResponse struct {
	Items      []models.AuditEntry `json:"items"`
	TotalCount int                 `json:"totalCount"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"pageSize"`
}

// List retrieves audit entries with filtering and pagination, newest first.
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.List")
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
	countSb.From("audits")
	if where := listWhere(countSb, params); len(where) > 0 {
		countSb.Where(where...)
	}

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"coll": params.Coll, "document_id": params.DocumentID}).Error("Failed to count audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count audit entries")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("audits")
	if where := listWhere(sb, params); len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(params.PageSize).Offset(offset)

	query, args := sb.Build()
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"coll": params.Coll, "document_id": params.DocumentID}).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}

	return &ListResponse{
		Items:      entries,
		TotalCount: totalCount,
		Page:       params.Page,
		PageSize:   params.PageSize,
	}, nil
}

// Get retrieves a single audit entry by ID.
func (r *Repository) Get(ctx context.Context, id string) (*models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("audits")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entry models.AuditEntry
	if err := r.db.GetContext(ctx, &entry, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "audit entry %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get audit entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get audit entry")
	}
	return &entry, nil
}

func listWhere(sb *sqlbuilder.SelectBuilder, params ListParams) []string {
	var where []string
	if params.Coll != "" {
		where = append(where, sb.Equal("coll", params.Coll))
	}
	if params.DocumentID != "" {
		where = append(where, sb.Equal("document_id", params.DocumentID))
	}
	if params.Op != "" {
		where = append(where, sb.Equal("op", params.Op))
	}
	return where
}
