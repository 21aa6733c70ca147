// Package validation implements the schema gateway for extensible identity
// attributes. Each declared object class has a YAML schema describing its
// attribute block; field-level failures are recoverable and returned as a
// path -> message map, while configuration problems are hard errors.
package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"
	"gopkg.in/yaml.v3"

	"github.com/Libertech-FR/sesame-identity-engine/internal/platform/tracing"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Gateway validates the extensible attribute bags of identities.
type Gateway interface {
	// Transform normalizes an attribute bag before validation.
	Transform(fields models.AdditionalFields) models.AdditionalFields
	// Validate checks the attribute bag against the registered object-class
	// schemas. Field-level failures are returned in the map; configuration
	// problems are returned as a *ConfigError.
	Validate(ctx context.Context, fields models.AdditionalFields) (map[string]string, error)
}

// SchemaGateway is the YAML-config implementation of Gateway.
type SchemaGateway struct {
	configDir string
	logger    ectologger.Logger
	schemas   map[string]*ObjectClassSchema
}

// NewSchemaGateway creates a gateway loading one `<objectClass>.yml` schema
// per object class from configDir. Schemas are loaded lazily and cached.
func NewSchemaGateway(configDir string, logger ectologger.Logger) *SchemaGateway {
	return &SchemaGateway{
		configDir: configDir,
		logger:    logger,
		schemas:   make(map[string]*ObjectClassSchema),
	}
}

// Transform normalizes the attribute bag: nil leaf values become empty
// strings so that null/"" inconsistencies across sources never produce
// false-positive diffs, and every declared object class gets an attribute
// block.
func (g *SchemaGateway) Transform(fields models.AdditionalFields) models.AdditionalFields {
	if fields.Attributes == nil {
		fields.Attributes = make(map[string]map[string]any, len(fields.ObjectClasses))
	}

	for _, class := range fields.ObjectClasses {
		if _, ok := fields.Attributes[class]; !ok {
			fields.Attributes[class] = map[string]any{}
		}
	}

	for class, attrs := range fields.Attributes {
		fields.Attributes[class] = normalizeNulls(attrs).(map[string]any)
	}

	return fields
}

func normalizeNulls(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case map[string]any:
		for key, child := range v {
			v[key] = normalizeNulls(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = normalizeNulls(child)
		}
		return v
	default:
		return v
	}
}

// Validate checks every declared object class' attribute block against its
// schema.
func (g *SchemaGateway) Validate(ctx context.Context, fields models.AdditionalFields) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "validation.SchemaGateway.Validate")
	defer span.End()

	validations := map[string]string{}

	// Attribute blocks must belong to a declared object class.
	for class := range fields.Attributes {
		if !contains(fields.ObjectClasses, class) {
			validations[class] = fmt.Sprintf(
				"%s is not a valid object class in this context, valid object classes are: %s",
				class, strings.Join(fields.ObjectClasses, ", "),
			)
		}
	}

	for _, class := range fields.ObjectClasses {
		schema, err := g.schemaFor(class)
		if err != nil {
			return nil, err
		}

		attrs, ok := fields.Attributes[class]
		if !ok {
			validations[class] = fmt.Sprintf("Missing attribute '%s'", class)
			continue
		}

		for _, required := range schema.Required {
			if value, exists := attrs[required]; !exists || value == nil || value == "" {
				validations[class+"."+required] = "required field is missing"
			}
		}

		for name, def := range schema.Properties {
			value, exists := attrs[name]
			if !exists || value == nil {
				continue
			}
			for path, msg := range validateValue(name, value, def) {
				validations[class+"."+path] = msg
			}
		}
	}

	if len(validations) > 0 {
		g.logger.WithContext(ctx).WithFields(map[string]any{
			"failed_paths": sortedKeys(validations),
		}).Warn("Additional fields failed schema validation")
	}

	return validations, nil
}

func (g *SchemaGateway) schemaFor(class string) (*ObjectClassSchema, error) {
	if schema, ok := g.schemas[class]; ok {
		return schema, nil
	}

	path := filepath.Join(g.configDir, class+".yml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigError(class, "config '%s.yml' not found", class)
		}
		return nil, NewConfigError(class, "failed to read config: %v", err)
	}

	var schema ObjectClassSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, NewConfigError(class, "invalid schema: %v", err)
	}

	g.schemas[class] = &schema
	return &schema, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
