package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{
		NodeID:       "ab12",
		LastModified: hlc.Zero("ab12"),
		Data:         map[string]interface{}{"version": "1"},
	}

	text, err := EncodeHandshake(h)
	require.NoError(t, err)

	decoded, err := DecodeHandshake(text)
	require.NoError(t, err)
	require.Equal(t, h.NodeID, decoded.NodeID)
	require.Equal(t, 0, hlc.Compare(h.LastModified, decoded.LastModified))
}

func TestDecodeHandshakeRequiresNodeID(t *testing.T) {
	_, err := DecodeHandshake(`{"last_modified":"1970-01-01T00:00:00.000Z-0000-x"}`)
	require.Error(t, err)
}

func TestChangesetRoundTrip(t *testing.T) {
	h := hlc.HLC{WallTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Logical: 1, NodeID: "C"}
	cs := store.Changeset{
		"notes": {
			{"id": "u", "node_id": "C", "modified": h, "title": "hi"},
		},
	}

	text, err := EncodeChangeset(cs)
	require.NoError(t, err)

	decoded, err := DecodeChangeset(text)
	require.NoError(t, err)
	require.Len(t, decoded["notes"], 1)
	require.Equal(t, "u", decoded["notes"][0]["id"])
	modified, ok := decoded["notes"][0].Modified()
	require.True(t, ok)
	require.Equal(t, 0, hlc.Compare(h, modified))
}

func TestEncodeChangesetElidesEmptyTables(t *testing.T) {
	cs := store.Changeset{"empty": {}, "notes": {{"id": "x"}}}
	text, err := EncodeChangeset(cs)
	require.NoError(t, err)
	require.NotContains(t, text, "empty")
	require.Contains(t, text, "notes")
}

func TestDecoderFirstFrameIsHandshake(t *testing.T) {
	d := NewDecoder()

	hsText, err := EncodeHandshake(Handshake{NodeID: "n1", LastModified: hlc.Zero("n1")})
	require.NoError(t, err)

	h, cs, err := d.DecodeFrame(hsText)
	require.NoError(t, err)
	require.Nil(t, cs)
	require.Equal(t, "n1", h.NodeID)

	csText, err := EncodeChangeset(store.Changeset{"notes": {{"id": "x"}}})
	require.NoError(t, err)

	_, cs2, err := d.DecodeFrame(csText)
	require.NoError(t, err)
	require.Len(t, cs2["notes"], 1)
}
