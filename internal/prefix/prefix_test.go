package prefix_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmcp/gateway/internal/prefix"
)

func TestAssignIsStableAndScoped(t *testing.T) {
	c := prefix.New()

	p1 := c.Assign("space-a", "fs", "fs")
	require.Equal(t, "fs", p1)
	require.Equal(t, p1, c.Assign("space-a", "fs", "fs"))

	p2 := c.Assign("space-a", "fs2", "fs")
	require.NotEqual(t, p1, p2)

	// Same alias in a different space doesn't collide.
	p3 := c.Assign("space-b", "fs", "fs")
	require.Equal(t, "fs", p3)
}

func TestReleaseDoesNotRecycleForAnotherServer(t *testing.T) {
	c := prefix.New()
	c.Assign("space-a", "fs", "fs")
	c.Release("space-a", "fs")

	// fs is free again, but only for the very same server reconnecting.
	got := c.Assign("space-a", "fs", "fs")
	require.Equal(t, "fs", got)
}

func TestQualifiedNameRoundTrip(t *testing.T) {
	q := prefix.QualifiedName("fs", "read_file")
	require.Equal(t, "fs_read_file", q)

	p, name, ok := prefix.SplitQualifiedName(q)
	require.True(t, ok)
	require.Equal(t, "fs", p)
	require.Equal(t, "read_file", name)
}
