package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverInputsFindsPlaceholdersNotExplicitlyDeclared(t *testing.T) {
	entry := ServerEntry{
		Command: "server",
		Args:    []string{"--token", "${input:api_token}"},
		Env:     map[string]string{"ROOT": "${input:root_dir}"},
		Headers: map[string]string{"Authorization": "Bearer ${input:api_token}"},
		Metadata: &MetadataEntry{
			Inputs: []InputEntry{{ID: "root_dir", Description: "explicitly declared"}},
		},
	}

	discovered := entry.DiscoverInputs()
	ids := make([]string, 0, len(discovered))
	for _, d := range discovered {
		ids = append(ids, d.ID)
	}

	require.ElementsMatch(t, []string{"api_token"}, ids)
}

func TestDiscoverInputsEmptyWhenNoPlaceholders(t *testing.T) {
	entry := ServerEntry{Command: "server", Args: []string{"--verbose"}}
	require.Empty(t, entry.DiscoverInputs())
}
