package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCapListRoundtrip(t *testing.T) {
	t.Parallel()
	c := ParseCapList("report-status delete-refs agent=gitcore/1.0")
	require.True(t, c.Has("report-status"))
	require.True(t, c.Has("delete-refs"))
	v, ok := c.Value("agent")
	require.True(t, ok)
	require.Equal(t, "gitcore/1.0", v)
	require.False(t, c.Has("atomic"))
}

func TestDiffReportsUnknownCapabilities(t *testing.T) {
	t.Parallel()
	client := ParseCapList("report-status made-up-capability")
	unknown := diff(client, ReceivePackCapabilities)
	require.Equal(t, []string{"made-up-capability"}, unknown)
}

func TestCapListStringIsSorted(t *testing.T) {
	t.Parallel()
	c := ParseCapList("zeta alpha beta")
	require.Equal(t, "alpha beta zeta", c.String())
}
