package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
)

// TestBuildQueryWorkedExample checks the literal SQL produced for a
// base query that already carries a WHERE clause with positional
// parameters.
func TestBuildQueryWorkedExample(t *testing.T) {
	zero := hlc.Zero("N")

	filter := store.Filter{
		ExceptNodeID:     "N",
		ModifiedAfter:    zero,
		HasModifiedAfter: true,
	}

	got, err := buildQuery("test", "SELECT * FROM test WHERE a != ?1 AND b = ?2", filter)
	require.NoError(t, err)

	want := "SELECT * FROM test WHERE test.node_id != 'N' AND " +
		"test.modified > '1970-01-01T00:00:00.000Z-0000-N' AND a != ?1 AND b = ?2"
	require.Equal(t, want, got)
}

func TestBuildQueryDefaultTemplateNoWhere(t *testing.T) {
	filter := store.Filter{
		OnlyNodeID:    "C",
		ModifiedOn:    hlc.Zero("C"),
		HasModifiedOn: true,
	}

	got, err := buildQuery("notes", "", filter)
	require.NoError(t, err)

	want := "SELECT * FROM notes WHERE notes.node_id = 'C' AND " +
		"notes.modified = '1970-01-01T00:00:00.000Z-0000-C'"
	require.Equal(t, want, got)
}

func TestBuildQueryRejectsBothNodeFilters(t *testing.T) {
	filter := store.Filter{
		OnlyNodeID:   "a",
		ExceptNodeID: "b",
	}
	_, err := buildQuery("t", "", filter)
	require.Error(t, err)
}

func TestBuildQueryRejectsNoTimeFilter(t *testing.T) {
	filter := store.Filter{OnlyNodeID: "a"}
	_, err := buildQuery("t", "", filter)
	require.Error(t, err)
}
