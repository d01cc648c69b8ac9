// Package render merges runtime variables into approved content and
// serializes it to a wire format.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	FormatStructured = "structured"
	FormatText       = "text"
	FormatKeyValue   = "key-value"
)

// placeholderRe matches exactly {{identifier}}. No expressions, no nesting:
// output can only ever contain caller-supplied string values in fixed slots.
var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// UnknownFormatError is raised before any store access, so malformed
// requests never produce an audit entry.
type UnknownFormatError struct {
	Format string
}

func (e UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown output format %q", e.Format)
}

// ValidFormat checks a requested format, defaulting empty to structured.
func ValidFormat(format string) (string, error) {
	switch format {
	case "":
		return FormatStructured, nil
	case FormatStructured, FormatText, FormatKeyValue:
		return format, nil
	default:
		return "", UnknownFormatError{Format: format}
	}
}

// ContentType returns the response content type for a format.
func ContentType(format string) string {
	if format == FormatStructured {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// Render substitutes variables into the payload (given as the stored JSON
// document), merges overrides into object payloads first, then serializes.
func Render(payloadJSON string, variables map[string]string, overrides map[string]any, format string) ([]byte, error) {
	format, err := ValidFormat(format)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode content payload: %w", err)
	}
	if len(overrides) > 0 {
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("overrides require an object payload")
		}
		for k, v := range overrides {
			obj[k] = v
		}
		payload = obj
	}
	payload = substitute(payload, variables)

	switch format {
	case FormatStructured:
		return json.Marshal(payload)
	case FormatText:
		return []byte(asText(payload)), nil
	case FormatKeyValue:
		return []byte(asKeyValue(payload)), nil
	}
	return nil, UnknownFormatError{Format: format}
}

// substitute walks the decoded payload and replaces placeholders in string
// leaves. ReplaceAllStringFunc is a single pass over the original text, so
// a value containing {{x}} is never re-expanded.
func substitute(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substitute(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substitute(val, vars)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		if val, ok := vars[name]; ok {
			return val
		}
		// Unresolved placeholders stay verbatim.
		return match
	})
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		var b strings.Builder
		for _, k := range sortedKeys(t) {
			fmt.Fprintf(&b, "%s: %s\n", k, asText(t[k]))
		}
		return b.String()
	case []any:
		parts := make([]string, len(t))
		for i, val := range t {
			parts[i] = asText(val)
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func asKeyValue(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return "value=" + asScalar(v)
	}
	var b strings.Builder
	for _, k := range sortedKeys(obj) {
		fmt.Fprintf(&b, "%s=%s\n", k, asScalar(obj[k]))
	}
	return b.String()
}

func asScalar(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
