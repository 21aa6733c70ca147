package upsert

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/internal/repositories/identity"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/fingerprint"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/validation"
)

type fakeStore struct {
	existing *models.Identity

	uidConflicts  int
	mailConflicts int

	upserted     *models.Identity
	touchedID    string
	updatedFP    string
	upsertCalled bool
}

// FindByNaturalKey mirrors the repository's membership match: any element of
// employeeNumber qualifies, not just the first.
func (s *fakeStore) FindByNaturalKey(_ context.Context, employeeNumber, employeeType string) (*models.Identity, error) {
	if s.existing == nil {
		return nil, nil
	}
	profile := s.existing.Profile.GetValue()
	if profile.EmployeeType != "" && profile.EmployeeType != employeeType {
		return nil, nil
	}
	if len(profile.EmployeeNumber) == 0 {
		return s.existing, nil
	}
	for _, n := range profile.EmployeeNumber {
		if n == employeeNumber {
			return s.existing, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Upsert(_ context.Context, next models.Identity, _ *models.Identity) (*identity.UpsertRow, error) {
	s.upsertCalled = true
	inserted := s.existing == nil
	if inserted {
		next.ID = "generated-id"
	}
	stored := next
	if !inserted {
		// The atomic write never touches the fingerprint column.
		stored.Fingerprint = s.existing.Fingerprint
	}
	s.upserted = &next
	return &identity.UpsertRow{Identity: stored, Inserted: inserted}, nil
}

func (s *fakeStore) UpdateFingerprint(_ context.Context, id, fp string) error {
	s.updatedFP = fp
	return nil
}

func (s *fakeStore) TouchLastSync(_ context.Context, id string) error {
	s.touchedID = id
	return nil
}

func (s *fakeStore) CountUIDConflicts(_ context.Context, uid, _ string) (int, error) {
	if uid == "" {
		return 0, nil
	}
	return s.uidConflicts, nil
}

func (s *fakeStore) CountMailConflicts(_ context.Context, mail, _ string) (int, error) {
	if mail == "" {
		return 0, nil
	}
	return s.mailConflicts, nil
}

type fakeGateway struct {
	failures map[string]string
	err      error
}

func (g *fakeGateway) Transform(fields models.AdditionalFields) models.AdditionalFields {
	return fields
}

func (g *fakeGateway) Validate(_ context.Context, _ models.AdditionalFields) (map[string]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.failures, nil
}

func newTestPipeline(store *fakeStore, gateway *fakeGateway, files *diskFake) *Pipeline {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewPipeline(store, gateway, files, logger)
}

func basePayload() models.UpsertPayload {
	return models.UpsertPayload{
		Profile: models.InetOrgPerson{
			UID:            "jdoe",
			CN:             "John Doe",
			EmployeeType:   "STAFF",
			EmployeeNumber: []string{"100"},
		},
	}
}

func TestUpsert_Guards(t *testing.T) {
	t.Run("missing employeeNumber is rejected", func(t *testing.T) {
		payload := basePayload()
		payload.Profile.EmployeeNumber = nil

		p := newTestPipeline(&fakeStore{}, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), payload, Options{})

		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("missing employeeType is rejected", func(t *testing.T) {
		payload := basePayload()
		payload.Profile.EmployeeType = ""

		p := newTestPipeline(&fakeStore{}, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), payload, Options{})

		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("secondary employee number of a fused identity is refused", func(t *testing.T) {
		primary := "999"
		store := &fakeStore{existing: &models.Identity{
			ID:                    "id-1",
			PrimaryEmployeeNumber: &primary,
		}}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.Error(t, err)
		assert.Equal(t, 303, httperror.GetStatusCode(err))
		assert.False(t, store.upsertCalled)
	})

	t.Run("merged-in employee number reaches the golden record and is refused", func(t *testing.T) {
		primary := "100"
		profile := basePayload().Profile
		profile.EmployeeNumber = []string{"100", "200"}
		store := &fakeStore{existing: &models.Identity{
			ID:                    "id-1",
			PrimaryEmployeeNumber: &primary,
			Profile:               database.JSONB[models.InetOrgPerson]{Data: profile},
		}}

		payload := basePayload()
		payload.Profile.EmployeeNumber = []string{"200"}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), payload, Options{})

		require.Error(t, err)
		assert.Equal(t, 303, httperror.GetStatusCode(err))
		assert.False(t, store.upsertCalled)
	})

	t.Run("soft-deleted identity is not resurrected", func(t *testing.T) {
		store := &fakeStore{existing: &models.Identity{ID: "id-1", DeletedFlag: true}}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.Error(t, err)
		assert.Equal(t, 303, httperror.GetStatusCode(err))
		assert.False(t, store.upsertCalled)
	})

	t.Run("dangling photo reference is rejected", func(t *testing.T) {
		payload := basePayload()
		payload.Profile.JpegPhoto = "disk:photos/jdoe.jpg"

		p := newTestPipeline(&fakeStore{}, &fakeGateway{}, &diskFake{})
		_, err := p.Upsert(context.Background(), payload, Options{})

		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("existing photo reference passes", func(t *testing.T) {
		payload := basePayload()
		payload.Profile.JpegPhoto = "disk:photos/jdoe.jpg"

		files := &diskFake{present: map[string]bool{"disk:photos/jdoe.jpg": true}}
		p := newTestPipeline(&fakeStore{}, &fakeGateway{}, files)
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusCreated, result.Status)
	})

	t.Run("validation config error is a hard failure", func(t *testing.T) {
		gateway := &fakeGateway{err: validation.NewConfigError("supannPerson", "config '%s.yml' not found", "supannPerson")}

		p := newTestPipeline(&fakeStore{}, gateway, &diskFake{})
		_, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.Error(t, err)
		assert.Equal(t, 500, httperror.GetStatusCode(err))
	})
}

func TestUpsert_States(t *testing.T) {
	t.Run("clean payload creates in TO_VALIDATE", func(t *testing.T) {
		store := &fakeStore{}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusCreated, result.Status)
		assert.Equal(t, models.StateToValidate, result.Identity.State)
		assert.NotEmpty(t, result.Identity.Fingerprint)
		assert.Equal(t, models.DataStatusNotInitialized, result.Identity.DataStatus)
	})

	t.Run("schema failures route to TO_COMPLETE", func(t *testing.T) {
		gateway := &fakeGateway{failures: map[string]string{"supannPerson.supannEmpId": "required field is missing"}}
		store := &fakeStore{}

		p := newTestPipeline(store, gateway, &diskFake{})
		result, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.NoError(t, err)
		assert.Equal(t, models.StateToComplete, result.Identity.State)
		validations := result.Identity.AdditionalFields.GetValue().Validations
		assert.Contains(t, validations, "supannPerson.supannEmpId")
	})

	t.Run("uid collision routes to TO_COMPLETE", func(t *testing.T) {
		store := &fakeStore{uidConflicts: 1}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.NoError(t, err)
		assert.Equal(t, models.StateToComplete, result.Identity.State)
		assert.Contains(t, result.Identity.AdditionalFields.GetValue().Validations, "inetOrgPerson.uid")
	})

	t.Run("mail collision routes to TO_COMPLETE", func(t *testing.T) {
		payload := basePayload()
		payload.Profile.Mail = "jdoe@example.com"
		store := &fakeStore{mailConflicts: 1}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		assert.Equal(t, models.StateToComplete, result.Identity.State)
		assert.Contains(t, result.Identity.AdditionalFields.GetValue().Validations, "inetOrgPerson.mail")
	})
}

func TestUpsert_Idempotency(t *testing.T) {
	makeExisting := func() *models.Identity {
		profile := basePayload().Profile
		fp := fingerprint.Compute(profile, models.AdditionalFields{})
		return &models.Identity{
			ID:          "id-1",
			State:       models.StateSynced,
			Profile:     database.JSONB[models.InetOrgPerson]{Data: profile},
			Fingerprint: fp,
		}
	}

	t.Run("identical payload is NOT_MODIFIED and only touches last_sync_at", func(t *testing.T) {
		store := &fakeStore{existing: makeExisting()}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), basePayload(), Options{})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusNotModified, result.Status)
		assert.Equal(t, "id-1", store.touchedID)
		assert.False(t, store.upsertCalled)
	})

	t.Run("force bypasses the short-circuit", func(t *testing.T) {
		store := &fakeStore{existing: makeExisting()}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), basePayload(), Options{Force: true})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusUpdated, result.Status)
		assert.True(t, store.upsertCalled)
	})

	t.Run("changed payload updates and refreshes the fingerprint", func(t *testing.T) {
		store := &fakeStore{existing: makeExisting()}

		payload := basePayload()
		payload.Profile.Mail = "jdoe@example.com"

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusUpdated, result.Status)
		assert.True(t, store.upsertCalled)
		assert.NotEmpty(t, store.updatedFP)
		assert.Equal(t, store.updatedFP, result.Identity.Fingerprint)
	})
}

func TestUpsert_Merge(t *testing.T) {
	t.Run("existing fields survive a partial update", func(t *testing.T) {
		profile := basePayload().Profile
		profile.TelephoneNumber = "555-0100"
		store := &fakeStore{existing: &models.Identity{
			ID:      "id-1",
			Profile: database.JSONB[models.InetOrgPerson]{Data: profile},
		}}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		payload := basePayload()
		payload.Profile.Mail = "jdoe@example.com"
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		merged := result.Identity.Profile.GetValue()
		assert.Equal(t, "555-0100", merged.TelephoneNumber)
		assert.Equal(t, "jdoe@example.com", merged.Mail)
	})

	t.Run("explicit empty value clears the stored field", func(t *testing.T) {
		profile := basePayload().Profile
		profile.Mail = "old@example.com"
		store := &fakeStore{existing: &models.Identity{
			ID:      "id-1",
			Profile: database.JSONB[models.InetOrgPerson]{Data: profile},
		}}

		body := `{"inetOrgPerson":{"uid":"jdoe","cn":"John Doe","employeeType":"STAFF","employeeNumber":["100"],"mail":""}}`
		var payload models.UpsertPayload
		require.NoError(t, json.Unmarshal([]byte(body), &payload))

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		assert.Equal(t, models.UpsertStatusUpdated, result.Status)
		assert.Equal(t, "", result.Identity.Profile.GetValue().Mail)
	})

	t.Run("absent field in a decoded update is left untouched", func(t *testing.T) {
		profile := basePayload().Profile
		profile.Mail = "old@example.com"
		store := &fakeStore{existing: &models.Identity{
			ID:      "id-1",
			Profile: database.JSONB[models.InetOrgPerson]{Data: profile},
		}}

		body := `{"inetOrgPerson":{"uid":"jdoe","cn":"John Doe","employeeType":"STAFF","employeeNumber":["100"],"telephoneNumber":"555-0100"}}`
		var payload models.UpsertPayload
		require.NoError(t, json.Unmarshal([]byte(body), &payload))

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		merged := result.Identity.Profile.GetValue()
		assert.Equal(t, "old@example.com", merged.Mail)
		assert.Equal(t, "555-0100", merged.TelephoneNumber)
	})

	t.Run("setOnInsert fields lose against existing values", func(t *testing.T) {
		profile := basePayload().Profile
		store := &fakeStore{existing: &models.Identity{
			ID:         "id-1",
			DataStatus: models.DataStatusActive,
			Profile:    database.JSONB[models.InetOrgPerson]{Data: profile},
		}}

		payload := basePayload()
		payload.SetOnInsert = map[string]any{"dataStatus": string(models.DataStatusInactive)}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{Force: true})

		require.NoError(t, err)
		assert.Equal(t, models.DataStatusActive, result.Identity.DataStatus)
	})

	t.Run("setOnInsert applies on first insert", func(t *testing.T) {
		payload := basePayload()
		payload.SetOnInsert = map[string]any{"dataStatus": string(models.DataStatusActive)}

		p := newTestPipeline(&fakeStore{}, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		assert.Equal(t, models.DataStatusActive, result.Identity.DataStatus)
	})

	t.Run("objectClasses are unioned", func(t *testing.T) {
		store := &fakeStore{existing: &models.Identity{
			ID:      "id-1",
			Profile: database.JSONB[models.InetOrgPerson]{Data: basePayload().Profile},
			AdditionalFields: database.JSONB[models.AdditionalFields]{Data: models.AdditionalFields{
				ObjectClasses: []string{"supannPerson"},
			}},
		}}

		payload := basePayload()
		payload.AdditionalFields = &models.AdditionalFields{ObjectClasses: []string{"eduPerson"}}

		p := newTestPipeline(store, &fakeGateway{}, &diskFake{})
		result, err := p.Upsert(context.Background(), payload, Options{})

		require.NoError(t, err)
		classes := result.Identity.AdditionalFields.GetValue().ObjectClasses
		assert.Equal(t, []string{"supannPerson", "eduPerson"}, classes)
	})
}

// diskFake implements storage.Storage for pipeline tests.
type diskFake struct {
	present map[string]bool
}

func (f *diskFake) Exists(ref string) (bool, error) { return f.present[ref], nil }
func (f *diskFake) Open(_ string) (*os.File, error) { return nil, os.ErrNotExist }
