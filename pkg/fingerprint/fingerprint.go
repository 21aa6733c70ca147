package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Libertech-FR/sesame-identity-engine/pkg/crush"
	"github.com/Libertech-FR/sesame-identity-engine/pkg/models"
)

// Compute returns the deterministic fingerprint of an identity's
// sync-relevant content: the profile plus additional fields, excluding the
// validations map. The result is stable across field insertion order and
// across runs.
func Compute(profile models.InetOrgPerson, additional models.AdditionalFields) string {
	doc := map[string]any{
		"inetOrgPerson":    toMap(profile),
		"additionalFields": toMap(additional),
	}
	return Generate(doc, "additionalFields.validations")
}

// Generate creates a fingerprint for an arbitrary document, excluding the
// given dot-notation paths. The document is flattened and reconstructed
// first, which normalizes ordering and drops non-JSON artifacts, then
// serialized with keys sorted at every nesting level and SHA-256 hashed.
func Generate(data map[string]any, excludePaths ...string) string {
	flat := crush.Flatten(data, excludePaths...)
	canonical := canonicalize(crush.Construct(flat), toSet(excludePaths), "")

	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}

// GenerateFromJSON creates a fingerprint from raw JSON.
func GenerateFromJSON(data json.RawMessage, excludePaths ...string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return Generate(m, excludePaths...), nil
}

// HasChanged compares two fingerprints to detect changes.
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}

func canonicalize(data any, exclude map[string]bool, currentPath string) string {
	switch v := data.(type) {
	case map[string]any:
		return canonicalizeMap(v, exclude, currentPath)
	case []any:
		return canonicalizeArray(v, exclude, currentPath)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func canonicalizeMap(m map[string]any, exclude map[string]bool, currentPath string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	first := true
	for _, k := range keys {
		fieldPath := k
		if currentPath != "" {
			fieldPath = currentPath + "." + k
		}

		if shouldExclude(fieldPath, exclude) {
			continue
		}

		if !first {
			sb.WriteString(",")
		}
		first = false
		keyJSON, _ := json.Marshal(k)
		sb.Write(keyJSON)
		sb.WriteString(":")
		sb.WriteString(canonicalize(m[k], exclude, fieldPath))
	}
	sb.WriteString("}")
	return sb.String()
}

func canonicalizeArray(arr []any, exclude map[string]bool, currentPath string) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range arr {
		if i > 0 {
			sb.WriteString(",")
		}
		// Array elements keep their element order and their parent's path.
		sb.WriteString(canonicalize(v, exclude, currentPath))
	}
	sb.WriteString("]")
	return sb.String()
}

func shouldExclude(fieldPath string, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}

	if exclude[fieldPath] {
		return true
	}

	for excluded := range exclude {
		if strings.HasPrefix(fieldPath, excluded+".") {
			return true
		}
	}

	return false
}

func toSet(paths []string) map[string]bool {
	if len(paths) == 0 {
		return nil
	}
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}

// toMap round-trips a typed struct through JSON so the canonicalizer only
// ever sees plain maps, slices and scalars.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
