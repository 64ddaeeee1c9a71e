// Package config loads the gateway's flag/env configuration and the
// user's JSONC space file into typed values, modeled on the teacher's
// cmd/docker-mcp/commands flag wiring and its tolerance for hand-edited
// JSON/YAML config.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Config is the process-wide configuration, populated once at startup
// from flags and environment variables.
type Config struct {
	// ListenAddr is the loopback address the HTTP surface binds to.
	// A public remote API is out of scope; binding anything but loopback
	// is a misconfiguration, not a supported deployment.
	ListenAddr string

	// DBFile is the path to the SQLite database file.
	DBFile string

	// SpaceFile is the path to the JSONC mcpServers user space file.
	SpaceFile string

	// JWTSecret signs and verifies inbound access/refresh tokens (HS256).
	JWTSecret string

	// LogLevel is bound to --log-level and defaults to
	// MCP_GATEWAY_LOG_LEVEL. internal/log reads its level from that
	// environment variable at package init and does not consult this field.
	LogLevel string
}

// Register binds Config's flags onto fs, mirroring the teacher's
// per-command pflag.FlagSet wiring rather than a single global flag set.
func Register(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:8811", "address the gateway HTTP surface binds to")
	fs.StringVar(&cfg.DBFile, "db-file", defaultDBFile(), "path to the gateway's SQLite database")
	fs.StringVar(&cfg.SpaceFile, "space-file", defaultSpaceFile(), "path to the mcpServers JSONC user space file")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("MCP_GATEWAY_JWT_SECRET"), "HS256 secret for inbound access/refresh tokens (env MCP_GATEWAY_JWT_SECRET)")
	fs.StringVar(&cfg.LogLevel, "log-level", os.Getenv("MCP_GATEWAY_LOG_LEVEL"), "log level override (env MCP_GATEWAY_LOG_LEVEL)")
}

// Validate checks the invariants Register's defaults can't guarantee on
// their own (an empty db-file or space-file path, an empty secret).
func (c Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("config: db-file is required")
	}
	if c.SpaceFile == "" {
		return fmt.Errorf("config: space-file is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt-secret is required (flag --jwt-secret or MCP_GATEWAY_JWT_SECRET)")
	}
	return nil
}

func defaultDBFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "mcp-gateway.db"
	}
	return dir + "/.mcp-gateway/gateway.db"
}

func defaultSpaceFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "mcpServers.json"
	}
	return dir + "/.mcp-gateway/mcpServers.json"
}
