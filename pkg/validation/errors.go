package validation

import "fmt"

// ConfigError reports a misconfigured validation setup: an unknown object
// class, a missing schema file or an unparsable schema. These are operator
// mistakes and must always surface as hard failures, never be absorbed into
// an identity's validations map.
type ConfigError struct {
	ObjectClass string
	Reason      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("validation config error for object class %q: %s", e.ObjectClass, e.Reason)
}

// NewConfigError creates a ConfigError for the given object class.
func NewConfigError(objectClass, format string, args ...any) *ConfigError {
	return &ConfigError{
		ObjectClass: objectClass,
		Reason:      fmt.Sprintf(format, args...),
	}
}
