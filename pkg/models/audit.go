package models

import (
	"encoding/json"
	"time"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
)

// AuditOperation is the kind of mutation an audit entry records.
type AuditOperation string

const (
	AuditOperationInsert  AuditOperation = "insert"
	AuditOperationUpdate  AuditOperation = "update"
	AuditOperationDelete  AuditOperation = "delete"
	AuditOperationReplace AuditOperation = "replace"
)

// ChangeKind classifies a single field-level change.
type ChangeKind string

const (
	ChangeKindCreate ChangeKind = "CREATE"
	ChangeKindChange ChangeKind = "CHANGE"
	ChangeKindRemove ChangeKind = "REMOVE"
)

// Change is one field-level difference between two document snapshots.
type Change struct {
	Path     string     `json:"path"`
	Kind     ChangeKind `json:"kind"`
	OldValue any        `json:"oldValue,omitempty"`
	NewValue any        `json:"newValue,omitempty"`
}

// Agent identifies who performed a mutation.
type Agent struct {
	Ref  string `json:"$ref"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SystemAgent is the fallback agent for mutations performed outside of a
// request context (background jobs, migrations).
var SystemAgent = Agent{
	Ref:  "System",
	ID:   "00000000-0000-0000-0000-000000000000",
	Name: "system",
}

// AuditEntry is an append-only record of a document mutation. Entries are
// created by the audit recorder only and never mutated or deleted.
type AuditEntry struct {
	ID         string                    `json:"id" db:"id"`
	Coll       string                    `json:"coll" db:"coll"`
	DocumentID string                    `json:"documentId" db:"document_id"`
	Op         AuditOperation            `json:"op" db:"op"`
	Agent      database.JSONB[Agent]     `json:"agent" db:"agent"`
	Snapshot   json.RawMessage           `json:"data" db:"snapshot"`
	Changes    database.JSONB[[]Change]  `json:"changes" db:"changes"`
	Metadata   database.JSONB[Metadata]  `json:"metadata" db:"metadata"`
	CreatedAt  time.Time                 `json:"createdAt" db:"created_at"`
}
