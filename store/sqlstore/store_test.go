package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
)

func newTestStore(t *testing.T, nodeID string) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:", Config{
		NodeID: nodeID,
		Clock:  clock.NewDefaultClock(),
		Tables: []TableSchema{
			{Name: "notes", Columns: []string{"title", "body"}},
			{Name: "tags", Columns: []string{"note_id", "label"}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMergeThenGetChangesetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "local")

	h := hlc.HLC{WallTime: hlc.Zero("peer").WallTime.Add(0), Logical: 1, NodeID: "peer"}
	cs := store.Changeset{
		"notes": {
			{"id": "n1", "node_id": "peer", "modified": h, "title": "hello", "body": "world"},
		},
	}
	require.NoError(t, s.Merge(ctx, cs))

	got, err := s.GetChangeset(ctx, store.Filter{
		OnlyNodeID:    "peer",
		ModifiedAfter: hlc.Zero("peer"),
		HasModifiedAfter: true,
	})
	require.NoError(t, err)
	require.Len(t, got["notes"], 1)
	require.Equal(t, "n1", got["notes"][0]["id"])
	require.Equal(t, "hello", got["notes"][0]["title"])

	lm, err := s.LastModified(ctx, store.Filter{OnlyNodeID: "peer"})
	require.NoError(t, err)
	require.Equal(t, 0, hlc.Compare(h, lm))
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "local")

	h := hlc.HLC{WallTime: hlc.Zero("peer").WallTime, Logical: 1, NodeID: "peer"}
	cs := store.Changeset{
		"notes": {{"id": "n1", "node_id": "peer", "modified": h, "title": "hello", "body": "world"}},
	}

	require.NoError(t, s.Merge(ctx, cs))
	require.NoError(t, s.Merge(ctx, cs))

	got, err := s.GetChangeset(ctx, store.Filter{
		OnlyNodeID:       "peer",
		ModifiedAfter:    hlc.Zero("peer"),
		HasModifiedAfter: true,
	})
	require.NoError(t, err)
	require.Len(t, got["notes"], 1)
}

func TestEmptyTablesElided(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "local")

	got, err := s.GetChangeset(ctx, store.Filter{
		OnlyNodeID:       "nobody",
		ModifiedAfter:    hlc.Zero("nobody"),
		HasModifiedAfter: true,
	})
	require.NoError(t, err)
	require.Empty(t, got)
}
