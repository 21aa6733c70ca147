package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/database"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

type recordingDB struct {
	queries []string
	execErr error
}

func (d *recordingDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	if d.execErr != nil {
		return nil, d.execErr
	}
	d.queries = append(d.queries, query)
	return driver.RowsAffected(1), nil
}

func (d *recordingDB) GetContext(_ context.Context, _ any, _ string, _ ...any) error    { return nil }
func (d *recordingDB) SelectContext(_ context.Context, _ any, _ string, _ ...any) error { return nil }

func (d *recordingDB) BeginTxx(_ context.Context, _ *sql.TxOptions) (*sqlx.Tx, error) {
	return &sqlx.Tx{}, nil
}

func (d *recordingDB) PingContext(_ context.Context) error { return nil }
func (d *recordingDB) Close() error                        { return nil }
func (d *recordingDB) Unsafe() *sqlx.DB                    { return nil }

func (d *recordingDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return database.GetTx(ctx, newTestLogger(), d, opts)
}

func newTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func sampleEntry() *models.AuditEntry {
	return &models.AuditEntry{
		Coll:       "identities",
		DocumentID: "id-1",
		Op:         models.AuditOperationUpdate,
		Agent:      database.JSONB[models.Agent]{Data: models.SystemAgent},
		Snapshot:   json.RawMessage(`{"id":"id-1"}`),
	}
}

func TestCreateEntry(t *testing.T) {
	t.Run("insert runs and defaults id and created_at", func(t *testing.T) {
		db := &recordingDB{}
		repo := NewRepository(db, newTestLogger())

		entry := sampleEntry()
		require.NoError(t, repo.CreateEntry(context.Background(), entry))

		require.Len(t, db.queries, 1)
		assert.True(t, strings.HasPrefix(db.queries[0], "INSERT INTO audits"))
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.CreatedAt.IsZero())
	})

	t.Run("insert stays outside a caller transaction", func(t *testing.T) {
		db := &recordingDB{}
		repo := NewRepository(db, newTestLogger())

		// A transaction open on the context must not capture the audit write;
		// a failed entry inside it would poison the caller's transaction.
		ctx, tx, err := db.GetTx(context.Background(), nil)
		require.NoError(t, err)
		require.True(t, tx.IsOpen())

		assert.NotPanics(t, func() {
			require.NoError(t, repo.CreateEntry(ctx, sampleEntry()))
		})
		require.Len(t, db.queries, 1)
		assert.True(t, strings.HasPrefix(db.queries[0], "INSERT INTO audits"))
	})

	t.Run("insert failure surfaces as a server error", func(t *testing.T) {
		db := &recordingDB{execErr: errors.New("disk full")}
		repo := NewRepository(db, newTestLogger())

		err := repo.CreateEntry(context.Background(), sampleEntry())
		require.Error(t, err)
		assert.Equal(t, 500, httperror.GetStatusCode(err))
	})
}
