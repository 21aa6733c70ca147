package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

const supannSchema = `
properties:
  supannEmpId:
    type: string
  supannOIDCDateDeNaissance:
    type: string
    format: date
  supannRefId:
    type: array
    items:
      type: string
required:
  - supannEmpId
`

func newTestGateway(t *testing.T, schemas map[string]string) *SchemaGateway {
	t.Helper()
	dir := t.TempDir()
	for class, content := range schemas {
		require.NoError(t, os.WriteFile(filepath.Join(dir, class+".yml"), []byte(content), 0o644))
	}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewSchemaGateway(dir, logger)
}

func TestTransform(t *testing.T) {
	gateway := newTestGateway(t, nil)

	t.Run("null leaves become empty strings", func(t *testing.T) {
		fields := models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {
					"supannEmpId": nil,
					"nested":      map[string]any{"inner": nil},
					"list":        []any{nil, "x"},
				},
			},
		}

		out := gateway.Transform(fields)

		attrs := out.Attributes["supannPerson"]
		assert.Equal(t, "", attrs["supannEmpId"])
		assert.Equal(t, map[string]any{"inner": ""}, attrs["nested"])
		assert.Equal(t, []any{"", "x"}, attrs["list"])
	})

	t.Run("declared classes get an attribute block", func(t *testing.T) {
		fields := models.AdditionalFields{ObjectClasses: []string{"supannPerson"}}

		out := gateway.Transform(fields)

		require.NotNil(t, out.Attributes)
		assert.Equal(t, map[string]any{}, out.Attributes["supannPerson"])
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid attributes pass", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {
					"supannEmpId":               "100",
					"supannOIDCDateDeNaissance": "1990-04-02",
					"supannRefId":               []any{"ref:1"},
				},
			},
		})
		require.NoError(t, err)
		assert.Empty(t, failures)
	})

	t.Run("missing required field fails", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannOIDCDateDeNaissance": "1990-04-02"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, failures, "supannPerson.supannEmpId")
	})

	t.Run("empty string counts as missing", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannEmpId": ""},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, failures, "supannPerson.supannEmpId")
	})

	t.Run("wrong type fails", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannEmpId": 123},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, failures, "supannPerson.supannEmpId")
	})

	t.Run("bad date format fails", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {
					"supannEmpId":               "100",
					"supannOIDCDateDeNaissance": "02/04/1990",
				},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, failures, "supannPerson.supannOIDCDateDeNaissance")
	})

	t.Run("undeclared attribute block fails", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"supannPerson": supannSchema})

		failures, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"supannPerson"},
			Attributes: map[string]map[string]any{
				"supannPerson": {"supannEmpId": "100"},
				"rogueClass":   {"x": "y"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, failures, "rogueClass")
	})

	t.Run("missing schema file is a config error", func(t *testing.T) {
		gateway := newTestGateway(t, nil)

		_, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"unknownClass"},
			Attributes:    map[string]map[string]any{"unknownClass": {}},
		})
		require.Error(t, err)
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "unknownClass", cfgErr.ObjectClass)
	})

	t.Run("unparsable schema is a config error", func(t *testing.T) {
		gateway := newTestGateway(t, map[string]string{"broken": "properties: [not a map"})

		_, err := gateway.Validate(ctx, models.AdditionalFields{
			ObjectClasses: []string{"broken"},
			Attributes:    map[string]map[string]any{"broken": {}},
		})
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}
