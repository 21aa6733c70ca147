package fusion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool                      { return !t.committed && !t.rolledBack }
func (t *fakeTx) Commit(_ context.Context) error    { t.committed = true; return nil }
func (t *fakeTx) Rollback(_ context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *fakeTx) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) GetContext(_ context.Context, _ any, _ string, _ ...any) error    { return nil }
func (t *fakeTx) SelectContext(_ context.Context, _ any, _ string, _ ...any) error { return nil }

type fakeDB struct {
	tx *fakeTx
}

func (d *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}
func (d *fakeDB) GetContext(_ context.Context, _ any, _ string, _ ...any) error    { return nil }
func (d *fakeDB) SelectContext(_ context.Context, _ any, _ string, _ ...any) error { return nil }
func (d *fakeDB) BeginTxx(_ context.Context, _ *sql.TxOptions) (*sqlx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDB) PingContext(_ context.Context) error { return nil }
func (d *fakeDB) Close() error                        { return nil }
func (d *fakeDB) Unsafe() *sqlx.DB                    { return nil }
func (d *fakeDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	d.tx = &fakeTx{}
	return ctx, d.tx, nil
}

type fakeFusionStore struct {
	identities map[string]*models.Identity
	updates    []models.Identity
	ignoreSets map[string][]string
	db         *fakeDB
}

func newFakeFusionStore(identities ...*models.Identity) *fakeFusionStore {
	byID := make(map[string]*models.Identity, len(identities))
	for _, ident := range identities {
		byID[ident.ID] = ident
	}
	return &fakeFusionStore{
		identities: byID,
		ignoreSets: map[string][]string{},
		db:         &fakeDB{},
	}
}

func (s *fakeFusionStore) Get(_ context.Context, id string) (*models.Identity, error) {
	ident, ok := s.identities[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "identity %s not found", id)
	}
	clone := *ident
	return &clone, nil
}

func (s *fakeFusionStore) Update(_ context.Context, next models.Identity) (*models.Identity, error) {
	s.updates = append(s.updates, next)
	stored := next
	s.identities[next.ID] = &stored
	return &stored, nil
}

func (s *fakeFusionStore) SetIgnoreFusion(_ context.Context, id string, ignore []string) (*models.Identity, error) {
	s.ignoreSets[id] = ignore
	ident := s.identities[id]
	ident.IgnoreFusion = database.JSONB[[]string]{Data: ignore}
	return ident, nil
}

func (s *fakeFusionStore) DB() database.DB { return s.db }

type fakeDispatcher struct {
	deleted   []models.Identity
	deleteErr error
}

func (d *fakeDispatcher) ExecuteJob(_ context.Context, _ models.ActionType, _ string, _ json.RawMessage) (*models.Job, error) {
	return &models.Job{State: models.JobStateCompleted}, nil
}
func (d *fakeDispatcher) ExecuteJobSync(_ context.Context, _ models.ActionType, _ string, _ json.RawMessage) (*models.Job, error) {
	return &models.Job{State: models.JobStateCompleted}, nil
}
func (d *fakeDispatcher) ActivationIdentity(_ context.Context, _ *models.Identity, _ bool) (*models.Job, error) {
	return &models.Job{State: models.JobStateCompleted}, nil
}
func (d *fakeDispatcher) AskToChangePassword(_ context.Context, _ *models.Identity) (*models.Job, error) {
	return &models.Job{State: models.JobStateCompleted}, nil
}
func (d *fakeDispatcher) DeleteIdentities(_ context.Context, identities []models.Identity) error {
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, identities...)
	return nil
}

func newTestEngine(store *fakeFusionStore, dispatcher *fakeDispatcher) *Engine {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewEngine(store, dispatcher, logger)
}

func identityFixture(id string, employeeNumbers ...string) *models.Identity {
	return &models.Identity{
		ID:    id,
		State: models.StateSynced,
		Profile: database.JSONB[models.InetOrgPerson]{Data: models.InetOrgPerson{
			UID:            "uid-" + id,
			CN:             "CN " + id,
			EmployeeType:   "STAFF",
			EmployeeNumber: employeeNumbers,
		}},
	}
}

func TestFuse(t *testing.T) {
	ctx := context.Background()

	t.Run("cannot fuse an identity with itself", func(t *testing.T) {
		engine := newTestEngine(newFakeFusionStore(), &fakeDispatcher{})

		_, err := engine.Fuse(ctx, "a", "a")
		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("already fused identities are refused", func(t *testing.T) {
		dest := "z"
		fused := identityFixture("a", "100")
		fused.DestFusionID = &dest

		store := newFakeFusionStore(fused, identityFixture("b", "200"))
		engine := newTestEngine(store, &fakeDispatcher{})

		_, err := engine.Fuse(ctx, "a", "b")
		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))

		_, err = engine.Fuse(ctx, "b", "a")
		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("fuse merges the primary and tombstones the secondary", func(t *testing.T) {
		store := newFakeFusionStore(
			identityFixture("prim", "100"),
			identityFixture("sec", "200", "201"),
		)
		engine := newTestEngine(store, &fakeDispatcher{})

		survivorID, err := engine.Fuse(ctx, "prim", "sec")
		require.NoError(t, err)
		assert.Equal(t, "prim", survivorID)

		// Secondary is written first, inside one committed transaction.
		require.Len(t, store.updates, 2)
		require.NotNil(t, store.db.tx)
		assert.True(t, store.db.tx.committed)

		secondary := store.updates[0]
		assert.Equal(t, "sec", secondary.ID)
		assert.Equal(t, models.StateDontSync, secondary.State)
		require.NotNil(t, secondary.DestFusionID)
		assert.Equal(t, "prim", *secondary.DestFusionID)
		assert.Equal(t, []string{"F200", "201"}, secondary.Profile.GetValue().EmployeeNumber)
		assert.NotEmpty(t, secondary.Fingerprint)

		primary := store.updates[1]
		assert.Equal(t, "prim", primary.ID)
		assert.Equal(t, models.StateToValidate, primary.State)
		require.NotNil(t, primary.SrcFusionID)
		assert.Equal(t, "sec", *primary.SrcFusionID)
		require.NotNil(t, primary.PrimaryEmployeeNumber)
		assert.Equal(t, "100", *primary.PrimaryEmployeeNumber)
		assert.Equal(t, []string{"100", "200", "201"}, primary.Profile.GetValue().EmployeeNumber)
		assert.NotEmpty(t, primary.Fingerprint)
	})

	t.Run("supann list attributes are appended when both declare the class", func(t *testing.T) {
		primary := identityFixture("prim", "100")
		primary.AdditionalFields = database.JSONB[models.AdditionalFields]{Data: models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannRefId": []any{"ref:prim"}},
			},
		}}
		secondary := identityFixture("sec", "200")
		secondary.AdditionalFields = database.JSONB[models.AdditionalFields]{Data: models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannRefId": []any{"ref:sec"}},
			},
		}}

		store := newFakeFusionStore(primary, secondary)
		engine := newTestEngine(store, &fakeDispatcher{})

		_, err := engine.Fuse(ctx, "prim", "sec")
		require.NoError(t, err)

		merged := store.updates[1].AdditionalFields.GetValue()
		assert.Equal(t, []any{"ref:prim", "ref:sec"}, merged.Attributes["supannPerson"]["supannRefId"])
	})

	t.Run("synced secondary triggers a backend delete first", func(t *testing.T) {
		syncedAt := time.Now().UTC()
		secondary := identityFixture("sec", "200")
		secondary.LastBackendSyncAt = &syncedAt

		store := newFakeFusionStore(identityFixture("prim", "100"), secondary)
		dispatcher := &fakeDispatcher{}
		engine := newTestEngine(store, dispatcher)

		_, err := engine.Fuse(ctx, "prim", "sec")
		require.NoError(t, err)
		require.Len(t, dispatcher.deleted, 1)
		assert.Equal(t, "sec", dispatcher.deleted[0].ID)
	})

	t.Run("never-synced secondary skips the backend delete", func(t *testing.T) {
		store := newFakeFusionStore(identityFixture("prim", "100"), identityFixture("sec", "200"))
		dispatcher := &fakeDispatcher{}
		engine := newTestEngine(store, dispatcher)

		_, err := engine.Fuse(ctx, "prim", "sec")
		require.NoError(t, err)
		assert.Empty(t, dispatcher.deleted)
	})

	t.Run("backend delete failure aborts the fusion", func(t *testing.T) {
		syncedAt := time.Now().UTC()
		secondary := identityFixture("sec", "200")
		secondary.LastBackendSyncAt = &syncedAt

		store := newFakeFusionStore(identityFixture("prim", "100"), secondary)
		dispatcher := &fakeDispatcher{deleteErr: errors.New("kafka down")}
		engine := newTestEngine(store, dispatcher)

		_, err := engine.Fuse(ctx, "prim", "sec")
		require.Error(t, err)
		assert.Equal(t, http.StatusBadGateway, httperror.GetStatusCode(err))
		assert.Empty(t, store.updates)
	})
}

func TestIgnoreFusion(t *testing.T) {
	ctx := context.Background()

	t.Run("requires at least two ids", func(t *testing.T) {
		engine := newTestEngine(newFakeFusionStore(), &fakeDispatcher{})

		err := engine.IgnoreFusion(ctx, []string{"a"})
		require.Error(t, err)
		assert.Equal(t, 400, httperror.GetStatusCode(err))
	})

	t.Run("each identity learns every other id", func(t *testing.T) {
		store := newFakeFusionStore(
			identityFixture("a", "1"),
			identityFixture("b", "2"),
			identityFixture("c", "3"),
		)
		engine := newTestEngine(store, &fakeDispatcher{})

		require.NoError(t, engine.IgnoreFusion(ctx, []string{"a", "b", "c"}))

		assert.ElementsMatch(t, []string{"b", "c"}, store.ignoreSets["a"])
		assert.ElementsMatch(t, []string{"a", "c"}, store.ignoreSets["b"])
		assert.ElementsMatch(t, []string{"a", "b"}, store.ignoreSets["c"])
	})

	t.Run("ignore does not duplicate existing entries", func(t *testing.T) {
		a := identityFixture("a", "1")
		a.IgnoreFusion = database.JSONB[[]string]{Data: []string{"b"}}
		store := newFakeFusionStore(a, identityFixture("b", "2"))
		engine := newTestEngine(store, &fakeDispatcher{})

		require.NoError(t, engine.IgnoreFusion(ctx, []string{"a", "b"}))
		assert.Equal(t, []string{"b"}, store.ignoreSets["a"])
	})

	t.Run("unignore removes the listed ids", func(t *testing.T) {
		a := identityFixture("a", "1")
		a.IgnoreFusion = database.JSONB[[]string]{Data: []string{"b", "x"}}
		b := identityFixture("b", "2")
		b.IgnoreFusion = database.JSONB[[]string]{Data: []string{"a"}}

		store := newFakeFusionStore(a, b)
		engine := newTestEngine(store, &fakeDispatcher{})

		require.NoError(t, engine.UnignoreFusion(ctx, []string{"a", "b"}))
		assert.Equal(t, []string{"x"}, store.ignoreSets["a"])
		assert.Empty(t, store.ignoreSets["b"])
	})
}
