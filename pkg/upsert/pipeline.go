// Package upsert implements the ingestion pipeline that reconciles inbound
// identity payloads with the persisted record: deep merge, key guards, schema
// validation, uniqueness checks, fingerprint short-circuit and the final
// atomic write.
package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/reqcontext"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/internal/repositories/identity"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/crush"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/fingerprint"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/storage"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/validation"
)

// Store is the persistence surface the pipeline needs. *identity.Repository
// implements it; tests substitute fakes.
type Store interface {
	FindByNaturalKey(ctx context.Context, employeeNumber, employeeType string) (*models.Identity, error)
	Upsert(ctx context.Context, next models.Identity, before *models.Identity) (*identity.UpsertRow, error)
	UpdateFingerprint(ctx context.Context, id, fp string) error
	TouchLastSync(ctx context.Context, id string) error
	CountUIDConflicts(ctx context.Context, uid, excludeID string) (int, error)
	CountMailConflicts(ctx context.Context, mail, excludeID string) (int, error)
}

// Options tune a single upsert call.
type Options struct {
	// Force skips the fingerprint short-circuit so an identical payload is
	// persisted (and re-dispatched) anyway.
	Force bool
}

// Pipeline reconciles inbound payloads with persisted identities.
type Pipeline struct {
	store   Store
	gateway validation.Gateway
	files   storage.Storage
	logger  ectologger.Logger
}

func NewPipeline(store Store, gateway validation.Gateway, files storage.Storage, logger ectologger.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		gateway: gateway,
		files:   files,
		logger:  logger,
	}
}

// Upsert runs the full pipeline for one inbound payload.
//
// The read in step 2 and the atomic write at the end are deliberately not
// bracketed by a lock: the INSERT...ON CONFLICT write is authoritative, and
// state decisions computed against a stale read converge on the next
// ingestion of the same identity.
func (p *Pipeline) Upsert(ctx context.Context, payload models.UpsertPayload, opts Options) (*models.UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "upsert.Pipeline.Upsert")
	defer span.End()

	employeeNumber := payload.Profile.FirstEmployeeNumber()
	employeeType := payload.Profile.EmployeeType

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"employee_number": employeeNumber,
		"employee_type":   employeeType,
	})

	if payload.AdditionalFields != nil {
		*payload.AdditionalFields = p.gateway.Transform(*payload.AdditionalFields)
	}

	var existing *models.Identity
	if employeeNumber != "" && employeeType != "" {
		var err error
		existing, err = p.store.FindByNaturalKey(ctx, employeeNumber, employeeType)
		if err != nil {
			return nil, err
		}
	}

	merged, err := mergeDocuments(payload, existing)
	if err != nil {
		log.WithError(err).Error("Failed to merge identity documents")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid identity payload")
	}

	profile := merged.Profile.GetValue()
	if profile.FirstEmployeeNumber() == "" || profile.EmployeeType == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "employeeNumber and employeeType are mandatory")
	}

	if existing != nil {
		if existing.PrimaryEmployeeNumber != nil && *existing.PrimaryEmployeeNumber != "" && *existing.PrimaryEmployeeNumber != employeeNumber {
			return nil, httperror.NewHTTPErrorf(http.StatusSeeOther, "identity %s is updatable through employee number %s only", existing.ID, *existing.PrimaryEmployeeNumber)
		}
		if existing.DeletedFlag {
			return nil, httperror.NewHTTPErrorf(http.StatusSeeOther, "identity %s has been deleted and cannot be resurrected by upsert", existing.ID)
		}
	}

	if photo := profile.JpegPhoto; photo != "" {
		found, err := p.files.Exists(photo)
		if err != nil {
			log.WithError(err).Error("Failed to check photo reference")
			return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid photo reference")
		}
		if !found {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "referenced photo %s does not exist", photo)
		}
	}

	additional := p.gateway.Transform(merged.AdditionalFields.GetValue())

	state := models.StateToValidate
	failures, err := p.gateway.Validate(ctx, additional)
	if err != nil {
		var cfgErr *validation.ConfigError
		if errors.As(err, &cfgErr) {
			log.WithError(err).Error("Validation configuration error")
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "validation configuration error: %v", cfgErr)
		}
		return nil, err
	}
	if len(failures) > 0 {
		state = models.StateToComplete
	} else {
		failures = map[string]string{}
	}

	excludeID := ""
	if existing != nil {
		excludeID = existing.ID
	}
	if n, err := p.store.CountUIDConflicts(ctx, profile.UID, excludeID); err != nil {
		return nil, err
	} else if n > 0 {
		failures["inetOrgPerson.uid"] = "uid is already used by another identity"
		state = models.StateToComplete
	}
	if n, err := p.store.CountMailConflicts(ctx, profile.Mail, excludeID); err != nil {
		return nil, err
	} else if n > 0 {
		failures["inetOrgPerson.mail"] = "mail is already used by another identity"
		state = models.StateToComplete
	}

	if len(failures) > 0 {
		additional.Validations = failures
	} else {
		additional.Validations = nil
	}

	fp := fingerprint.Compute(profile, additional)

	if existing != nil && !opts.Force && existing.Fingerprint == fp {
		if err := p.store.TouchLastSync(ctx, existing.ID); err != nil {
			return nil, err
		}
		log.WithFields(map[string]any{"id": existing.ID}).Debug("Identity unchanged, refreshed last_sync_at")
		return &models.UpsertResult{Status: models.UpsertStatusNotModified, Identity: existing}, nil
	}

	next := merged
	next.State = state
	next.Profile = database.JSONB[models.InetOrgPerson]{Data: profile}
	next.AdditionalFields = database.JSONB[models.AdditionalFields]{Data: additional}
	next.Fingerprint = fp
	if next.DataStatus == "" {
		next.DataStatus = models.DataStatusNotInitialized
	}
	if existing != nil {
		next.ID = existing.ID
	} else {
		next.ID = ""
	}
	next.Metadata = database.JSONB[models.Metadata]{Data: stampMetadata(ctx, existing)}

	row, err := p.store.Upsert(ctx, next, existing)
	if err != nil {
		return nil, err
	}

	if !row.Inserted && fingerprint.HasChanged(row.Fingerprint, fp) {
		if err := p.store.UpdateFingerprint(ctx, row.ID, fp); err != nil {
			return nil, err
		}
		row.Fingerprint = fp
	}

	status := models.UpsertStatusUpdated
	if row.Inserted {
		status = models.UpsertStatusCreated
	}
	return &models.UpsertResult{Status: status, Identity: &row.Identity}, nil
}

// mergeDocuments applies the merge precedence: $setOnInsert fields, then the
// existing persisted document minus id and fingerprint, then the inbound
// update fields. objectClasses is unioned instead of overwritten.
func mergeDocuments(payload models.UpsertPayload, existing *models.Identity) (models.Identity, error) {
	// The raw document preserves explicit ""/null leaves, which must override
	// existing values; re-marshaling the typed profile would drop them.
	update := payload.Document()
	if update == nil {
		update = map[string]any{
			"inetOrgPerson": toDocument(payload.Profile),
		}
		if payload.AdditionalFields != nil {
			update["additionalFields"] = toDocument(*payload.AdditionalFields)
		}
	}

	layers := make([]map[string]any, 0, 3)
	if payload.SetOnInsert != nil {
		layers = append(layers, crush.Flatten(payload.SetOnInsert))
	}
	if existing != nil {
		layers = append(layers, crush.Flatten(toDocument(existing), "id", "fingerprint"))
	}
	layers = append(layers, crush.Flatten(update))

	doc := crush.Construct(crush.Merge(layers...))

	raw, err := json.Marshal(doc)
	if err != nil {
		return models.Identity{}, err
	}
	var merged models.Identity
	if err := json.Unmarshal(raw, &merged); err != nil {
		return models.Identity{}, err
	}

	var base []string
	if existing != nil {
		base = existing.AdditionalFields.GetValue().ObjectClasses
	}
	var incoming []string
	if payload.AdditionalFields != nil {
		incoming = payload.AdditionalFields.ObjectClasses
	}
	af := merged.AdditionalFields.GetValue()
	af.ObjectClasses = unionStrings(base, incoming)
	merged.AdditionalFields = database.JSONB[models.AdditionalFields]{Data: af}

	return merged, nil
}

func stampMetadata(ctx context.Context, existing *models.Identity) models.Metadata {
	agent := reqcontext.GetAgent(ctx)
	now := time.Now().UTC()

	var meta models.Metadata
	if existing != nil {
		meta = existing.Metadata.GetValue()
	}
	if meta.CreatedBy == "" {
		meta.CreatedBy = agent.Name
		meta.CreatedAt = &now
	}
	meta.LastUpdatedBy = agent.Name
	meta.LastUpdatedAt = &now
	return meta
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, lists := range [][]string{base, extra} {
		for _, v := range lists {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func toDocument(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
