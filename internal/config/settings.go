package config

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// Settings wraps the free-form JSON document stored behind
// domain.SettingsRepository's single "settings" blob key, letting callers
// pull out individual values by path (e.g. "$.oauth.callback_port")
// instead of round-tripping the whole document through typed structs for
// every reader, the way the teacher's dynamic settings extraction works.
type Settings struct {
	doc any
}

// ParseSettings decodes a JSON settings document for path lookups.
func ParseSettings(raw string) (Settings, error) {
	if raw == "" {
		return Settings{doc: map[string]any{}}, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Settings{}, fmt.Errorf("config: decoding settings: %w", err)
	}
	return Settings{doc: doc}, nil
}

// Get evaluates a JSONPath expression against the settings document, e.g.
// Get("$.oauth.callback_port").
func (s Settings) Get(path string) (any, error) {
	return jsonpath.Get(path, s.doc)
}

// GetString is Get narrowed to the common case of a single string value.
func (s Settings) GetString(path string) (string, bool) {
	v, err := s.Get(path)
	if err != nil {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}
