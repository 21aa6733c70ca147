package audit

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/reqcontext"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// EntryStore persists audit entries. Implemented by the audit repository.
type EntryStore interface {
	CreateEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Recorder wraps every mutating operation of an audited collection: it diffs
// the pre/post images and persists an audit entry when the diff contains at
// least one change outside the ignore list.
//
// Audit writes must never corrupt the primary write path: failures here are
// logged and swallowed on both the insert and the update path.
type Recorder struct {
	store   EntryStore
	logger  ectologger.Logger
	ignored []string
}

// NewRecorder creates a recorder. The metadata block is always ignored in
// addition to any extra prefixes supplied.
func NewRecorder(store EntryStore, logger ectologger.Logger, extraIgnored ...string) *Recorder {
	ignored := append([]string{"metadata"}, extraIgnored...)
	return &Recorder{
		store:   store,
		logger:  logger,
		ignored: ignored,
	}
}

// Record captures a mutation of the given collection. A nil before marks an
// insert, a nil after marks a delete. The acting agent is resolved from the
// request context, falling back to the system agent for background work.
func (r *Recorder) Record(ctx context.Context, coll, documentID string, op models.AuditOperation, before, after any) {
	ctx, span := tracing.StartSpan(ctx, "audit.Recorder.Record")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"coll":        coll,
		"document_id": documentID,
		"op":          op,
	})

	changes, err := Diff(before, after, r.ignored)
	if err != nil {
		log.WithError(err).Error("Failed to diff document snapshots for audit")
		return
	}

	if len(changes) == 0 {
		log.Debug("No significant changes detected, skipping audit entry")
		return
	}

	snapshot, err := json.Marshal(after)
	if err != nil {
		log.WithError(err).Error("Failed to marshal audit snapshot")
		return
	}

	agent := reqcontext.GetAgent(ctx)
	entry := &models.AuditEntry{
		Coll:       coll,
		DocumentID: documentID,
		Op:         op,
		Snapshot:   snapshot,
	}
	entry.Agent.Data = agent
	entry.Changes.Data = changes
	entry.Metadata.Data = models.Metadata{CreatedBy: agent.Name}

	if err := r.store.CreateEntry(ctx, entry); err != nil {
		log.WithError(err).Error("Failed to persist audit entry")
		return
	}

	log.WithFields(map[string]any{"change_count": len(changes)}).Info("Created audit entry")
}
