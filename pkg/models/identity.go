package models

import (
	"encoding/json"
	"time"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
)

// LifecycleState tracks where an identity sits in the synchronization
// workflow. It is orthogonal to DataStatus, which tracks activation and
// soft deletion.
type LifecycleState string

const (
	StateUnknown    LifecycleState = "UNKNOWN"
	StateToCreate   LifecycleState = "TO_CREATE"
	StateToComplete LifecycleState = "TO_COMPLETE"
	StateToValidate LifecycleState = "TO_VALIDATE"
	StateToSync     LifecycleState = "TO_SYNC"
	StateProcessing LifecycleState = "PROCESSING"
	StateSynced     LifecycleState = "SYNCED"
	StateOnError    LifecycleState = "ON_ERROR"
	StateDontSync   LifecycleState = "DONT_SYNC"
)

// DataStatus is the activation/soft-delete axis of an identity.
type DataStatus string

const (
	DataStatusNotInitialized      DataStatus = "NOT_INITIALIZED"
	DataStatusActive              DataStatus = "ACTIVE"
	DataStatusInactive            DataStatus = "INACTIVE"
	DataStatusPasswordNeedsChange DataStatus = "PASSWORD_NEEDS_CHANGE"
	DataStatusDeleted             DataStatus = "DELETED"
)

// EmployeeTypeLocal marks locally-managed identities that never take part in
// duplicate detection.
const EmployeeTypeLocal = "LOCAL"

// InetOrgPerson is the structured LDAP-style profile of an identity.
type InetOrgPerson struct {
	UID              string   `json:"uid,omitempty"`
	CN               string   `json:"cn,omitempty"`
	SN               string   `json:"sn,omitempty"`
	GivenName        string   `json:"givenName,omitempty"`
	DisplayName      string   `json:"displayName,omitempty"`
	EmployeeType     string   `json:"employeeType,omitempty"`
	EmployeeNumber   []string `json:"employeeNumber,omitempty"`
	DepartmentNumber []string `json:"departmentNumber,omitempty"`
	Mail             string   `json:"mail,omitempty"`
	TelephoneNumber  string   `json:"telephoneNumber,omitempty"`
	Mobile           string   `json:"mobile,omitempty"`
	Title            string   `json:"title,omitempty"`
	JpegPhoto        string   `json:"jpegPhoto,omitempty"`
}

// FirstEmployeeNumber returns the leading employee number, which together
// with EmployeeType forms the natural key of an identity.
func (p InetOrgPerson) FirstEmployeeNumber() string {
	if len(p.EmployeeNumber) == 0 {
		return ""
	}
	return p.EmployeeNumber[0]
}

// AdditionalFields is the extensible attribute bag, organized by declared
// object classes. Validations holds field-path -> message entries written by
// the validation gateway when schema validation fails.
type AdditionalFields struct {
	ObjectClasses []string                  `json:"objectClasses,omitempty"`
	Attributes    map[string]map[string]any `json:"attributes,omitempty"`
	Validations   map[string]string         `json:"validations,omitempty"`
}

// Metadata carries persistence-layer attribution. It is owned by the
// repositories and ignored by the fingerprint and the audit differ.
type Metadata struct {
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastUpdatedBy string     `json:"lastUpdatedBy,omitempty"`
	LastUpdatedAt *time.Time `json:"lastUpdatedAt,omitempty"`
}

// Identity is the master record synchronized into downstream backends.
type Identity struct {
	ID                    string                            `json:"id" db:"id"`
	State                 LifecycleState                    `json:"state" db:"state"`
	DataStatus            DataStatus                        `json:"dataStatus" db:"data_status"`
	Profile               database.JSONB[InetOrgPerson]     `json:"inetOrgPerson" db:"profile"`
	AdditionalFields      database.JSONB[AdditionalFields]  `json:"additionalFields" db:"additional_fields"`
	Fingerprint           string                            `json:"fingerprint" db:"fingerprint"`
	LastSyncAt            *time.Time                        `json:"lastSyncAt,omitempty" db:"last_sync_at"`
	LastBackendSyncAt     *time.Time                        `json:"lastBackendSyncAt,omitempty" db:"last_backend_sync_at"`
	PrimaryEmployeeNumber *string                           `json:"primaryEmployeeNumber,omitempty" db:"primary_employee_number"`
	SrcFusionID           *string                           `json:"srcFusionId,omitempty" db:"src_fusion_id"`
	DestFusionID          *string                           `json:"destFusionId,omitempty" db:"dest_fusion_id"`
	IgnoreFusion          database.JSONB[[]string]          `json:"ignoreFusion" db:"ignore_fusion"`
	DeletedFlag           bool                              `json:"deletedFlag" db:"deleted_flag"`
	Metadata              database.JSONB[Metadata]          `json:"metadata" db:"metadata"`
	CreatedAt             time.Time                         `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time                         `json:"updatedAt" db:"updated_at"`
}

// IsFusionSecondary reports whether this record has been merged away into
// another identity. Such records must carry StateDontSync.
func (i *Identity) IsFusionSecondary() bool {
	return i.DestFusionID != nil && *i.DestFusionID != ""
}

// IgnoresFusionWith reports whether the given partner id is on this record's
// pairwise opt-out list.
func (i *Identity) IgnoresFusionWith(partnerID string) bool {
	for _, id := range i.IgnoreFusion.Data {
		if id == partnerID {
			return true
		}
	}
	return false
}

// Filter is the natural-key lookup used by the upsert pipeline. Zero-valued
// fields are not matched.
type Filter struct {
	UID            string
	EmployeeNumber string
	EmployeeType   string
}

// UpsertPayload is the inbound shape accepted from upstream feeds.
type UpsertPayload struct {
	SetOnInsert      map[string]any    `json:"$setOnInsert,omitempty"`
	Profile          InetOrgPerson     `json:"inetOrgPerson" validate:"required"`
	AdditionalFields *AdditionalFields `json:"additionalFields,omitempty"`

	document map[string]any
}

// UnmarshalJSON keeps the raw inbound document next to the typed fields. The
// typed profile drops zero values on re-marshal, so only the raw document can
// tell an explicit clear ("" or null) from an absent field.
func (p *UpsertPayload) UnmarshalJSON(data []byte) error {
	type payload UpsertPayload
	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = UpsertPayload(decoded)

	var document map[string]any
	if err := json.Unmarshal(data, &document); err != nil {
		return err
	}
	p.document = document
	return nil
}

// Document returns the update portion of the raw inbound document, or nil
// when the payload was built in code rather than decoded from JSON.
func (p UpsertPayload) Document() map[string]any {
	if p.document == nil {
		return nil
	}
	doc := make(map[string]any, 2)
	if v, ok := p.document["inetOrgPerson"]; ok {
		doc["inetOrgPerson"] = v
	}
	if v, ok := p.document["additionalFields"]; ok {
		doc["additionalFields"] = v
	}
	return doc
}

// UpsertStatus distinguishes a create from an update and from the
// fingerprint-matched no-op. Callers use it to decide whether anything
// downstream needs re-dispatch.
type UpsertStatus int

const (
	UpsertStatusCreated UpsertStatus = iota
	UpsertStatusUpdated
	UpsertStatusNotModified
)

// UpsertResult is returned by the upsert pipeline.
type UpsertResult struct {
	Status   UpsertStatus
	Identity *Identity
}

// DuplicateMember is the projection of an identity inside a duplicate cluster.
type DuplicateMember struct {
	ID               string         `json:"id"`
	UID              string         `json:"uid"`
	CN               string         `json:"cn"`
	EmployeeNumber   []string       `json:"employeeNumber"`
	DepartmentNumber []string       `json:"departmentNumber"`
	State            LifecycleState `json:"state"`
	LastSyncAt       *time.Time     `json:"lastSyncAt,omitempty"`
}

// DuplicateCluster is one group of probable duplicate identities. Key1/Key2
// are the two lowest member ids and identify the primary pair.
type DuplicateCluster struct {
	Key1    string            `json:"key1"`
	Key2    string            `json:"key2"`
	Members []DuplicateMember `json:"members"`
}
