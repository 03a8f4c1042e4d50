// Package wire implements the JSON codec for the synchronization
// protocol's two frame kinds. Frames are not self-describing — the
// first frame on a connection is always a Handshake, every frame after
// it is a Changeset.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
)

// Handshake is the first frame sent and the first frame received on
// every Session, in both directions.
type Handshake struct {
	NodeID       string      `json:"node_id"`
	LastModified hlc.HLC     `json:"last_modified"`
	Data         interface{} `json:"data,omitempty"`
}

// EncodeHandshake renders h as its canonical wire JSON.
func EncodeHandshake(h Handshake) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("wire: encoding handshake: %w", err)
	}
	return string(b), nil
}

// wireRecord is the raw on-the-wire shape of a store.Record: column
// name to still-undecoded JSON. Keeping each column raw lets
// decodeRecord parse "modified" as an HLC string eagerly per frame,
// which the Session's incoming-merge pipeline needs before it can
// rewrite node-id; every other column is decoded as plain JSON.
type wireRecord map[string]json.RawMessage

// EncodeChangeset renders cs as its canonical wire JSON: the
// table->records mapping serialized directly, with every HLC field
// emitted in canonical string form via hlc.HLC's MarshalJSON.
func EncodeChangeset(cs store.Changeset) (string, error) {
	out := make(map[string]store.TableChangeset, len(cs))
	for table, rows := range cs {
		if len(rows) == 0 {
			continue
		}
		out[table] = rows
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("wire: encoding changeset: %w", err)
	}
	return string(b), nil
}

// DecodeHandshake parses text as a Handshake frame.
func DecodeHandshake(text string) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal([]byte(text), &h); err != nil {
		return Handshake{}, fmt.Errorf("wire: decoding handshake: %w", err)
	}
	if h.NodeID == "" {
		return Handshake{}, fmt.Errorf("wire: handshake missing node_id")
	}
	return h, nil
}

// DecodeChangeset parses text as a Changeset frame: a JSON object
// mapping table name to an array of records, each record's "modified"
// leaf parsed as an HLC string where present. "node_id" and every other
// column are decoded as plain JSON values.
func DecodeChangeset(text string) (store.Changeset, error) {
	var raw map[string][]wireRecord
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("wire: decoding changeset: %w", err)
	}

	cs := make(store.Changeset, len(raw))
	for table, rows := range raw {
		if len(rows) == 0 {
			continue
		}
		decoded := make(store.TableChangeset, 0, len(rows))
		for _, wr := range rows {
			rec, err := decodeRecord(wr)
			if err != nil {
				return nil, fmt.Errorf("wire: decoding record in table %q: %w", table, err)
			}
			decoded = append(decoded, rec)
		}
		cs[table] = decoded
	}
	return cs, nil
}

func decodeRecord(wr wireRecord) (store.Record, error) {
	rec := make(store.Record, len(wr))
	for col, raw := range wr {
		switch col {
		case "modified":
			var h hlc.HLC
			if err := json.Unmarshal(raw, &h); err != nil {
				return nil, fmt.Errorf("field %q: %w", col, err)
			}
			rec[col] = h
		default:
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("field %q: %w", col, err)
			}
			rec[col] = v
		}
	}
	return rec, nil
}

// Decoder tracks, for one direction of one connection, whether the
// first (handshake) frame has arrived yet.
type Decoder struct {
	sawFirstFrame bool
}

// NewDecoder returns a Decoder for one direction of one connection.
func NewDecoder() *Decoder { return &Decoder{} }

// DecodeFrame decodes text as a Handshake if this is the first frame
// this Decoder has seen, otherwise as a Changeset.
func (d *Decoder) DecodeFrame(text string) (Handshake, store.Changeset, error) {
	if !d.sawFirstFrame {
		d.sawFirstFrame = true
		h, err := DecodeHandshake(text)
		return h, nil, err
	}
	cs, err := DecodeChangeset(text)
	return Handshake{}, cs, err
}
