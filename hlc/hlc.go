// Package hlc implements the Hybrid Logical Clock timestamp used to
// order writes across peers in the synchronization engine. An HLC is
// a totally ordered (wall-time, logical-counter, node-id) triple: the
// wall-time and counter give a causal, monotonically increasing order
// within one originating node, and the node-id disambiguates values
// that originate elsewhere.
//
// The engine never performs clock arithmetic beyond comparison and
// the node-id rewrite described in the package doc for WithNodeID; the
// originating CRDT store is solely responsible for advancing an HLC on
// writes.
package hlc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// wireLayout is the canonical on-the-wire time format: millisecond
// precision, UTC, RFC3339-ish. e.g. "1970-01-01T00:00:00.000Z".
const wireLayout = "2006-01-02T15:04:05.000Z"

// HLC is a Hybrid Logical Clock value. The zero Go value is not a
// valid HLC; use Zero to obtain the canonical zero timestamp for a
// given node.
type HLC struct {
	WallTime time.Time
	Logical  uint16
	NodeID   string
}

// Zero returns the HLC that sorts before any real value, carrying
// nodeID as its emitter per the wire format's requirement that every
// HLC string names an origin even when it denotes "nothing yet".
func Zero(nodeID string) HLC {
	return HLC{WallTime: time.Unix(0, 0).UTC(), Logical: 0, NodeID: nodeID}
}

// IsZero reports whether h has zero time components, regardless of
// its node-id.
func (h HLC) IsZero() bool {
	return h.WallTime.Equal(time.Unix(0, 0).UTC()) && h.Logical == 0
}

// Now constructs an HLC at the current wall time (via clk) with a zero
// logical counter and the given node-id. Callers that need to advance
// the counter within the same millisecond are the store's concern, not
// this package's.
func Now(clk clock.Clock, nodeID string) HLC {
	return HLC{
		WallTime: clk.Now().UTC().Truncate(time.Millisecond),
		Logical:  0,
		NodeID:   nodeID,
	}
}

// WithNodeID returns a copy of h with its node-id replaced, preserving
// the wall-time and logical counter untouched. This is the "apply"
// operation from the data model: the Session uses it to rewrite the
// node-id of every incoming record's timestamp to the local node's id
// so that node-id-indexed high-water-mark queries stay coherent, even
// though the record itself may have been relayed through an
// intermediate peer.
func (h HLC) WithNodeID(nodeID string) HLC {
	h.NodeID = nodeID
	return h
}

// Compare returns -1, 0, or 1 as a sorts before, equal to, or after b.
// Ordering is by (WallTime, Logical) only — node-id never affects
// rank; node-id is a label, not a tie-break key, so timestamps across
// different peers are not totally ordered by this alone.
func Compare(a, b HLC) int {
	switch {
	case a.WallTime.Before(b.WallTime):
		return -1
	case a.WallTime.After(b.WallTime):
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	default:
		return 0
	}
}

// Before reports whether a sorts strictly before b.
func Before(a, b HLC) bool { return Compare(a, b) < 0 }

// After reports whether a sorts strictly after b.
func After(a, b HLC) bool { return Compare(a, b) > 0 }

// String returns the canonical wire representation:
// "<ISO-8601 millis UTC>-<4-hex counter>-<node-id>".
func (h HLC) String() string {
	return fmt.Sprintf("%s-%04x-%s", h.WallTime.UTC().Format(wireLayout), h.Logical, h.NodeID)
}

// Parse decodes the canonical wire representation produced by String.
// The node-id segment may itself contain hyphens, so it is taken as
// everything after the hyphen that follows the counter field.
func Parse(s string) (HLC, error) {
	// The timestamp segment itself contains hyphens (it's a date), so
	// a naive split on "-" misaligns the fields; slice off the fixed-
	// width timestamp prefix first instead.
	const tsLen = len("1970-01-01T00:00:00.000Z")
	if len(s) < tsLen+1+4+1 {
		return HLC{}, fmt.Errorf("hlc: %q too short to be a timestamp", s)
	}
	tsPart := s[:tsLen]
	rest := s[tsLen:]
	if !strings.HasPrefix(rest, "-") {
		return HLC{}, fmt.Errorf("hlc: %q missing counter separator", s)
	}
	rest = rest[1:]

	counterPart, nodeID, ok := strings.Cut(rest, "-")
	if !ok {
		return HLC{}, fmt.Errorf("hlc: %q missing node-id segment", s)
	}

	wallTime, err := time.Parse(wireLayout, tsPart)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: invalid timestamp in %q: %w", s, err)
	}

	counter, err := strconv.ParseUint(counterPart, 16, 16)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: invalid counter in %q: %w", s, err)
	}

	return HLC{WallTime: wallTime.UTC(), Logical: uint16(counter), NodeID: nodeID}, nil
}

// MarshalJSON emits the HLC as its canonical quoted wire string.
func (h HLC) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('"')
	buf.WriteString(h.String())
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses the canonical quoted wire string.
func (h *HLC) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("hlc: expected JSON string, got %q", s)
	}
	parsed, err := Parse(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
