package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// ObjectClassSchema describes the expected shape of one object class'
// attribute block.
type ObjectClassSchema struct {
	Properties map[string]PropertyDefinition `yaml:"properties"`
	Required   []string                      `yaml:"required"`
}

// PropertyDefinition describes a single attribute.
type PropertyDefinition struct {
	Type       string                        `yaml:"type"`
	Format     string                        `yaml:"format,omitempty"`
	Properties map[string]PropertyDefinition `yaml:"properties,omitempty"`
	Items      *PropertyDefinition           `yaml:"items,omitempty"`
}

// validateValue validates a single attribute value against its definition,
// returning one message per failing path.
func validateValue(fieldName string, value any, def PropertyDefinition) map[string]string {
	errors := map[string]string{}

	if !isValidType(value, def.Type) {
		errors[fieldName] = fmt.Sprintf("expected type %s, got %s", def.Type, getTypeName(value))
		return errors
	}

	if def.Format != "" {
		if err := validateFormat(value, def.Format); err != nil {
			errors[fieldName] = err.Error()
		}
	}

	if def.Type == "object" && def.Properties != nil {
		if objValue, ok := value.(map[string]any); ok {
			for nestedName, nestedDef := range def.Properties {
				if nestedValue, exists := objValue[nestedName]; exists && nestedValue != nil {
					for path, msg := range validateValue(fieldName+"."+nestedName, nestedValue, nestedDef) {
						errors[path] = msg
					}
				}
			}
		}
	}

	if def.Type == "array" && def.Items != nil {
		if arrValue, ok := value.([]any); ok {
			for i, item := range arrValue {
				for path, msg := range validateValue(fmt.Sprintf("%s.%d", fieldName, i), item, *def.Items) {
					errors[path] = msg
				}
			}
		}
	}

	return errors
}

func isValidType(value any, expectedType string) bool {
	if value == nil {
		return true
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64, int32:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		rv := reflect.ValueOf(value)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	default:
		return true // unknown types pass (permissive)
	}
}

func getTypeName(value any) string {
	if value == nil {
		return "null"
	}

	switch value.(type) {
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return "array"
		}
		return fmt.Sprintf("%T", value)
	}
}

func validateFormat(value any, format string) error {
	str, ok := value.(string)
	if !ok {
		return nil // format only applies to strings
	}

	switch format {
	case "email":
		if !emailRegex.MatchString(str) {
			return fmt.Errorf("invalid email format")
		}
	case "date":
		if !dateRegex.MatchString(str) {
			return fmt.Errorf("invalid date format (expected YYYY-MM-DD)")
		}
	case "date-time":
		if !dateTimeRegex.MatchString(str) {
			return fmt.Errorf("invalid date-time format (expected ISO 8601)")
		}
	case "phone":
		if !isValidPhone(str) {
			return fmt.Errorf("invalid phone format")
		}
	case "uuid":
		if !uuidRegex.MatchString(str) {
			return fmt.Errorf("invalid UUID format")
		}
	}

	return nil
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

func isValidPhone(s string) bool {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "+", "").Replace(s)
	return len(cleaned) >= 7 && len(cleaned) <= 15
}
