package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/tailscale/hujson"

	"github.com/localmcp/gateway/internal/domain"
)

// ServerEntry is one entry of the mcpServers JSONC user space file
// (spec.md §6: "JSON with mcpServers: { id: { command, args, env | url,
// headers, name?, description?, icon?, alias?, auth?, metadata? {
// inputs[], publisher? } } }").
type ServerEntry struct {
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty" validate:"omitempty,url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Alias       string            `json:"alias,omitempty"`
	Auth        *AuthEntry        `json:"auth,omitempty"`
	Metadata    *MetadataEntry    `json:"metadata,omitempty"`
}

// AuthEntry mirrors domain.AuthConfig in the user space file's vocabulary.
type AuthEntry struct {
	Kind   string `json:"kind" validate:"required,oneof=none oauth header"`
	Header string `json:"header,omitempty"`
}

// MetadataEntry carries the explicit input definitions that override
// auto-discovery, plus the publisher name surfaced in the UI.
type MetadataEntry struct {
	Inputs    []InputEntry `json:"inputs,omitempty"`
	Publisher string       `json:"publisher,omitempty"`
}

// InputEntry is one explicit required-secret input definition.
type InputEntry struct {
	ID          string `json:"id" validate:"required"`
	Description string `json:"description,omitempty"`
}

// SpaceFile is the parsed, validated contents of the mcpServers document.
type SpaceFile struct {
	Servers map[string]ServerEntry `json:"mcpServers"`
}

var validate = validator.New()

// LoadSpaceFile reads path, tolerating JSONC comments and trailing commas
// via tailscale/hujson (the teacher's own hand-edited config files get the
// same tolerance), then validates every entry with go-playground/validator.
func LoadSpaceFile(path string) (SpaceFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SpaceFile{Servers: map[string]ServerEntry{}}, nil
		}
		return SpaceFile{}, fmt.Errorf("config: reading space file: %w", err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return SpaceFile{}, fmt.Errorf("config: parsing JSONC: %w", err)
	}

	var sf SpaceFile
	if err := json.Unmarshal(standard, &sf); err != nil {
		return SpaceFile{}, fmt.Errorf("config: decoding space file: %w", err)
	}
	if sf.Servers == nil {
		sf.Servers = map[string]ServerEntry{}
	}

	for id, entry := range sf.Servers {
		if err := validate.Struct(entry); err != nil {
			return SpaceFile{}, fmt.Errorf("config: server %q: %w", id, err)
		}
		if entry.Command == "" && entry.URL == "" {
			return SpaceFile{}, fmt.Errorf("config: server %q: one of command or url is required", id)
		}
	}
	return sf, nil
}

// ToDefinition converts a validated space-file entry into the normalized
// domain type the rest of the gateway consumes.
func (e ServerEntry) ToDefinition() domain.ServerDefinition {
	def := domain.ServerDefinition{}
	if e.URL != "" {
		def.Transport = domain.TransportConfig{Kind: domain.TransportHTTP, URL: e.URL, Headers: e.Headers}
	} else {
		def.Transport = domain.TransportConfig{Kind: domain.TransportStdio, Command: e.Command, Args: e.Args, Env: e.Env}
	}
	if e.Auth != nil {
		def.Auth = domain.AuthConfig{Kind: domain.AuthKind(e.Auth.Kind), Header: e.Auth.Header}
	} else {
		def.Auth = domain.AuthConfig{Kind: domain.AuthNone}
	}
	return def
}
