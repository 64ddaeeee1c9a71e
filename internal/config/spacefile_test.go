package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/domain"
)

func TestLoadSpaceFileToleratesJSONCAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpServers.json")
	contents := `{
		// comments and trailing commas are tolerated
		"mcpServers": {
			"fs": {
				"command": "fs-server",
				"args": ["--root", "${input:root_dir}"],
			},
			"remote": {
				"url": "https://example.com/mcp",
				"auth": {"kind": "oauth"},
			},
		},
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	sf, err := LoadSpaceFile(path)
	require.NoError(t, err)
	require.Len(t, sf.Servers, 2)

	fs := sf.Servers["fs"]
	def := fs.ToDefinition()
	require.Equal(t, domain.TransportStdio, def.Transport.Kind)
	require.Equal(t, domain.AuthNone, def.Auth.Kind)

	remote := sf.Servers["remote"]
	def = remote.ToDefinition()
	require.Equal(t, domain.TransportHTTP, def.Transport.Kind)
	require.Equal(t, domain.AuthOAuth, def.Auth.Kind)
}

func TestLoadSpaceFileRejectsEntryWithoutCommandOrURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpServers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"bad": {}}}`), 0o644))

	_, err := LoadSpaceFile(path)
	require.Error(t, err)
}

func TestLoadSpaceFileMissingFileReturnsEmpty(t *testing.T) {
	sf, err := LoadSpaceFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, sf.Servers)
}
