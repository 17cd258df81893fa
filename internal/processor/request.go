package processor

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/spf13/cast"
)

// fields is decoded request data. Producers are loose about numeric and
// boolean types, so accessors coerce with cast.
type fields map[string]any

func decodeFields(raw json.RawMessage) (fields, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domain.InvalidRequest("request data is required")
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, domain.InvalidRequest("request data must be a JSON object: %v", err)
	}
	if f == nil {
		return nil, domain.InvalidRequest("request data must be a JSON object")
	}
	return f, nil
}

// str returns the first non-empty string among keys.
func (f fields) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			if s := strings.TrimSpace(cast.ToString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func (f fields) intOr(key string, def int) (int, error) {
	v, ok := f[key]
	if !ok || v == nil || v == "" {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, domain.InvalidRequest("%s must be an integer", key)
	}
	return n, nil
}

func (f fields) floatOr(key string, def float64) (float64, error) {
	v, ok := f[key]
	if !ok || v == nil || v == "" {
		return def, nil
	}
	n, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, domain.InvalidRequest("%s must be a number", key)
	}
	return n, nil
}

func (f fields) boolOr(key string, def bool) (bool, error) {
	v, ok := f[key]
	if !ok || v == nil || v == "" {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, domain.InvalidRequest("%s must be a boolean", key)
	}
	return b, nil
}

func (f fields) strings(key string) ([]string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, domain.InvalidRequest("%s must be a list of strings", key)
	}
	return slices.DeleteFunc(items, func(s string) bool { return strings.TrimSpace(s) == "" }), nil
}

// oneOf returns the lower-cased value of key, def when absent, or an
// invalid request error when it is not in allowed.
func (f fields) oneOf(key, def string, allowed ...string) (string, error) {
	v := strings.ToLower(f.str(key))
	if v == "" {
		return def, nil
	}
	if !slices.Contains(allowed, v) {
		return "", domain.InvalidRequest("%s must be one of %s", key, strings.Join(allowed, ", "))
	}
	return v, nil
}
