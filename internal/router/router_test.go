package router

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"
)

func TestSchemaIsUsableAcceptsNilSchema(t *testing.T) {
	require.True(t, schemaIsUsable(nil))
}

func TestSchemaIsUsableAcceptsResolvableSchema(t *testing.T) {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path": {Type: "string"},
		},
	}
	require.True(t, schemaIsUsable(schema))
}

func TestSchemaIsUsableRejectsUnresolvableSchema(t *testing.T) {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"path": {Type: "string", Pattern: "("},
		},
	}
	require.False(t, schemaIsUsable(schema))
}
