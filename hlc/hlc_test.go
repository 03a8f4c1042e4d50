package hlc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZeroSortsBeforeReal(t *testing.T) {
	z := Zero("node-a")
	real := HLC{WallTime: time.Unix(1, 0).UTC(), Logical: 0, NodeID: "node-a"}

	require.True(t, Before(z, real))
	require.True(t, z.IsZero())
	require.False(t, real.IsZero())
}

func TestCompareIgnoresNodeID(t *testing.T) {
	wt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := HLC{WallTime: wt, Logical: 5, NodeID: "alice"}
	b := HLC{WallTime: wt, Logical: 5, NodeID: "bob"}

	require.Equal(t, 0, Compare(a, b))
}

func TestStringRoundTrip(t *testing.T) {
	h := HLC{
		WallTime: time.Date(2024, 3, 2, 10, 30, 0, 123000000, time.UTC),
		Logical:  7,
		NodeID:   "ab12",
	}

	s := h.String()
	require.Equal(t, "2024-03-02T10:30:00.123Z-0007-ab12", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.True(t, parsed.WallTime.Equal(h.WallTime))
	require.Equal(t, h.Logical, parsed.Logical)
	require.Equal(t, h.NodeID, parsed.NodeID)
}

func TestParseNodeIDWithHyphens(t *testing.T) {
	parsed, err := Parse("1970-01-01T00:00:00.000Z-0000-node-with-hyphens")
	require.NoError(t, err)
	require.Equal(t, "node-with-hyphens", parsed.NodeID)
}

func TestWithNodeIDPreservesTime(t *testing.T) {
	h := HLC{WallTime: time.Unix(100, 0).UTC(), Logical: 3, NodeID: "origin"}
	rewritten := h.WithNodeID("local")

	require.Equal(t, "local", rewritten.NodeID)
	require.True(t, rewritten.WallTime.Equal(h.WallTime))
	require.Equal(t, h.Logical, rewritten.Logical)
}

func TestJSONRoundTrip(t *testing.T) {
	h := HLC{WallTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Logical: 1, NodeID: "n1"}

	b, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"2024-01-01T00:00:00.000Z-0001-n1"`, string(b))

	var out HLC
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, h.NodeID, out.NodeID)
	require.Equal(t, h.Logical, out.Logical)
	require.True(t, out.WallTime.Equal(h.WallTime))
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-a-timestamp")
	require.Error(t, err)
}
