package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/reqcontext"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

type captureStore struct {
	entries []*models.AuditEntry
	err     error
}

func (s *captureStore) CreateEntry(_ context.Context, entry *models.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func newTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestRecorder(t *testing.T) {
	t.Run("records an entry with the diff", func(t *testing.T) {
		store := &captureStore{}
		recorder := NewRecorder(store, newTestLogger())

		before := map[string]any{"name": "John"}
		after := map[string]any{"name": "Jane"}
		recorder.Record(context.Background(), "identities", "id-1", models.AuditOperationUpdate, before, after)

		require.Len(t, store.entries, 1)
		entry := store.entries[0]
		assert.Equal(t, "identities", entry.Coll)
		assert.Equal(t, "id-1", entry.DocumentID)
		assert.Equal(t, models.AuditOperationUpdate, entry.Op)
		require.Len(t, entry.Changes.Data, 1)
		assert.Equal(t, "name", entry.Changes.Data[0].Path)
	})

	t.Run("skips when nothing outside the ignore list changed", func(t *testing.T) {
		store := &captureStore{}
		recorder := NewRecorder(store, newTestLogger(), "fingerprint")

		before := map[string]any{"name": "John", "fingerprint": "aaa", "metadata": map[string]any{"lastUpdatedBy": "x"}}
		after := map[string]any{"name": "John", "fingerprint": "bbb", "metadata": map[string]any{"lastUpdatedBy": "y"}}
		recorder.Record(context.Background(), "identities", "id-1", models.AuditOperationUpdate, before, after)

		assert.Empty(t, store.entries)
	})

	t.Run("uses the system agent outside a request", func(t *testing.T) {
		store := &captureStore{}
		recorder := NewRecorder(store, newTestLogger())

		recorder.Record(context.Background(), "identities", "id-1", models.AuditOperationInsert, nil, map[string]any{"name": "John"})

		require.Len(t, store.entries, 1)
		assert.Equal(t, models.SystemAgent, store.entries[0].Agent.Data)
	})

	t.Run("uses the request agent when present", func(t *testing.T) {
		store := &captureStore{}
		recorder := NewRecorder(store, newTestLogger())

		agent := models.Agent{Ref: "Agents", ID: "a-1", Name: "alice"}
		ctx := reqcontext.SetAgent(context.Background(), agent)
		recorder.Record(ctx, "identities", "id-1", models.AuditOperationInsert, nil, map[string]any{"name": "John"})

		require.Len(t, store.entries, 1)
		assert.Equal(t, agent, store.entries[0].Agent.Data)
	})

	t.Run("store failure is swallowed", func(t *testing.T) {
		store := &captureStore{err: errors.New("db down")}
		recorder := NewRecorder(store, newTestLogger())

		assert.NotPanics(t, func() {
			recorder.Record(context.Background(), "identities", "id-1", models.AuditOperationInsert, nil, map[string]any{"name": "John"})
		})
	})
}
