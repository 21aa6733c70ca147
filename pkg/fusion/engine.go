// Package fusion merges a secondary duplicate identity into a primary one.
// The secondary survives as an unsyncable tombstone pointing at the primary.
package fusion

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/backends"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/fingerprint"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// secondaryKeyPrefix is prepended to the secondary's first employee number
// after fusion so the tombstone can never collide with a live natural key.
const secondaryKeyPrefix = "F"

// listAttributes are the supannPerson list-valued attributes appended
// element-wise from the secondary into the primary.
var listAttributes = []string{"supannTypeEntiteAffectation", "supannRefId"}

const supannClass = "supannPerson"

// Store is the persistence surface the engine needs. *identity.Repository
// implements it.
type Store interface {
	Get(ctx context.Context, id string) (*models.Identity, error)
	Update(ctx context.Context, next models.Identity) (*models.Identity, error)
	SetIgnoreFusion(ctx context.Context, id string, ignore []string) (*models.Identity, error)
	DB() database.DB
}

// Engine fuses duplicate identities.
type Engine struct {
	store      Store
	dispatcher backends.Dispatcher
	logger     ectologger.Logger
}

func NewEngine(store Store, dispatcher backends.Dispatcher, logger ectologger.Logger) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Fuse merges secondary into primary and returns the surviving primary id.
// The downstream delete for an already-synced secondary runs first; if the
// dispatcher fails, nothing is written. Both document writes share one
// transaction.
func (e *Engine) Fuse(ctx context.Context, primaryID, secondaryID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "fusion.Engine.Fuse")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":   primaryID,
		"secondary_id": secondaryID,
	})

	if primaryID == secondaryID {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "cannot fuse an identity with itself")
	}

	primary, err := e.store.Get(ctx, primaryID)
	if err != nil {
		return "", err
	}
	secondary, err := e.store.Get(ctx, secondaryID)
	if err != nil {
		return "", err
	}

	if primary.IsFusionSecondary() {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s has already been fused into %s", primaryID, *primary.DestFusionID)
	}
	if secondary.IsFusionSecondary() {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "identity %s has already been fused into %s", secondaryID, *secondary.DestFusionID)
	}

	nextPrimary := mergePrimary(*primary, secondary)
	nextSecondary := tombstoneSecondary(*secondary, primary)

	if secondary.LastBackendSyncAt != nil {
		if err := e.dispatcher.DeleteIdentities(ctx, []models.Identity{*secondary}); err != nil {
			log.WithError(err).Error("Backend delete of secondary failed, aborting fusion")
			return "", httperror.NewHTTPError(http.StatusBadGateway, "failed to delete secondary identity downstream")
		}
	}

	ctxTx, tx, err := e.store.DB().GetTx(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Failed to open fusion transaction")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to fuse identities")
	}
	defer tx.Rollback(ctx)

	if _, err := e.store.Update(ctxTx, nextSecondary); err != nil {
		return "", err
	}
	if _, err := e.store.Update(ctxTx, nextPrimary); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		log.WithError(err).Error("Failed to commit fusion transaction")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to fuse identities")
	}

	log.Info("Fused identities")
	return primary.ID, nil
}

// mergePrimary builds the post-fusion primary document.
func mergePrimary(primary models.Identity, secondary *models.Identity) models.Identity {
	profile := primary.Profile.GetValue()
	secondaryProfile := secondary.Profile.GetValue()

	if primary.PrimaryEmployeeNumber == nil || *primary.PrimaryEmployeeNumber == "" {
		pinned := profile.FirstEmployeeNumber()
		primary.PrimaryEmployeeNumber = &pinned
	}

	profile.EmployeeNumber = append(append([]string{}, profile.EmployeeNumber...), secondaryProfile.EmployeeNumber...)
	profile.DepartmentNumber = append(append([]string{}, profile.DepartmentNumber...), secondaryProfile.DepartmentNumber...)

	additional := primary.AdditionalFields.GetValue()
	secondaryAdditional := secondary.AdditionalFields.GetValue()
	if declaresClass(additional, supannClass) && declaresClass(secondaryAdditional, supannClass) {
		additional.Attributes = appendListAttributes(additional.Attributes, secondaryAdditional.Attributes)
	}

	primary.State = models.StateToValidate
	srcID := secondary.ID
	primary.SrcFusionID = &srcID
	primary.Profile = database.JSONB[models.InetOrgPerson]{Data: profile}
	primary.AdditionalFields = database.JSONB[models.AdditionalFields]{Data: additional}
	primary.Fingerprint = fingerprint.Compute(profile, additional)
	return primary
}

// tombstoneSecondary builds the post-fusion secondary document.
func tombstoneSecondary(secondary models.Identity, primary *models.Identity) models.Identity {
	profile := secondary.Profile.GetValue()
	if len(profile.EmployeeNumber) > 0 {
		renamed := append([]string{}, profile.EmployeeNumber...)
		renamed[0] = secondaryKeyPrefix + renamed[0]
		profile.EmployeeNumber = renamed
	}

	destID := primary.ID
	secondary.DestFusionID = &destID
	secondary.State = models.StateDontSync
	secondary.Profile = database.JSONB[models.InetOrgPerson]{Data: profile}
	secondary.Fingerprint = fingerprint.Compute(profile, secondary.AdditionalFields.GetValue())
	return secondary
}

func declaresClass(fields models.AdditionalFields, class string) bool {
	for _, c := range fields.ObjectClasses {
		if c == class {
			return true
		}
	}
	return false
}

// appendListAttributes appends the secondary's supannPerson list attributes
// onto the primary's, element-wise.
func appendListAttributes(primary, secondary map[string]map[string]any) map[string]map[string]any {
	secondaryAttrs := secondary[supannClass]
	if secondaryAttrs == nil {
		return primary
	}
	if primary == nil {
		primary = map[string]map[string]any{}
	}
	attrs := primary[supannClass]
	if attrs == nil {
		attrs = map[string]any{}
	}

	for _, name := range listAttributes {
		extra := asList(secondaryAttrs[name])
		if len(extra) == 0 {
			continue
		}
		attrs[name] = append(asList(attrs[name]), extra...)
	}
	primary[supannClass] = attrs
	return primary
}

func asList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// IgnoreFusion puts every other listed id on each identity's ignoreFusion
// list so the pair never reappears as a duplicate suggestion.
func (e *Engine) IgnoreFusion(ctx context.Context, ids []string) error {
	return e.mutateIgnoreLists(ctx, ids, true)
}

// UnignoreFusion removes the listed ids from each other's ignoreFusion list.
func (e *Engine) UnignoreFusion(ctx context.Context, ids []string) error {
	return e.mutateIgnoreLists(ctx, ids, false)
}

func (e *Engine) mutateIgnoreLists(ctx context.Context, ids []string, add bool) error {
	ctx, span := tracing.StartSpan(ctx, "fusion.Engine.mutateIgnoreLists")
	defer span.End()

	if len(ids) < 2 {
		return httperror.NewHTTPError(http.StatusBadRequest, "at least two identity ids are required")
	}

	for _, id := range ids {
		identity, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		current := identity.IgnoreFusion.GetValue()
		var next []string
		if add {
			next = append([]string{}, current...)
			for _, other := range ids {
				if other != id && !contains(next, other) {
					next = append(next, other)
				}
			}
		} else {
			for _, v := range current {
				if v != id && !contains(ids, v) {
					next = append(next, v)
				}
			}
		}

		if _, err := e.store.SetIgnoreFusion(ctx, id, next); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
