package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsGetStringResolvesNestedPath(t *testing.T) {
	s, err := ParseSettings(`{"oauth": {"callback_port": "8912"}}`)
	require.NoError(t, err)

	v, ok := s.GetString("$.oauth.callback_port")
	require.True(t, ok)
	require.Equal(t, "8912", v)

	_, ok = s.GetString("$.oauth.missing")
	require.False(t, ok)
}

func TestParseSettingsEmptyStringIsEmptyDocument(t *testing.T) {
	s, err := ParseSettings("")
	require.NoError(t, err)
	_, ok := s.GetString("$.anything")
	require.False(t, ok)
}
