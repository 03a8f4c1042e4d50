// Package store defines the narrow interface the synchronization
// engine consumes from an HLC-CRDT store. The engine never interprets
// column values beyond the two reserved columns (node_id, modified);
// everything else is opaque to it.
package store

import (
	"context"

	"github.com/syncnet/syncd/hlc"
)

// Record is an opaque key-value mapping representing one row. The two
// reserved keys are "node_id" (the HLC originator) and "modified"
// (the HLC of the record's last write); every other key is
// store-defined and passed through unexamined.
type Record map[string]interface{}

// NodeID returns the record's reserved node_id column, or "" if unset
// or not a string.
func (r Record) NodeID() string {
	v, _ := r["node_id"].(string)
	return v
}

// Modified returns the record's reserved modified column. Callers
// should only invoke this once the column is known to hold an
// hlc.HLC value (the Session normalizes the raw wire representation before
// this accessor is used); a missing or wrong-typed value returns ok=false.
func (r Record) Modified() (hlc.HLC, bool) {
	v, ok := r["modified"].(hlc.HLC)
	return v, ok
}

// TableChangeset is an ordered sequence of Records for a single table,
// sorted by Modified ascending when returned from GetChangeset.
type TableChangeset []Record

// Changeset maps table name to that table's changeset. Empty tables
// are always elided by a conforming Adapter before the map is handed
// to the caller.
type Changeset map[string]TableChangeset

// Empty reports whether every table in the changeset is empty (note a
// conforming Adapter never returns empty tables, so in practice this
// is equivalent to len(c) == 0; kept as a defensive check for
// changesets assembled by callers, e.g. after a validator drops rows).
func (c Changeset) Empty() bool {
	for _, rows := range c {
		if len(rows) > 0 {
			return false
		}
	}
	return true
}

// Counts returns table -> row-count, the shape onChangesetSent and
// onChangesetReceived hooks are invoked with.
func (c Changeset) Counts() map[string]int {
	counts := make(map[string]int, len(c))
	for table, rows := range c {
		if len(rows) > 0 {
			counts[table] = len(rows)
		}
	}
	return counts
}

// ChangeEvent is emitted on the store's hot change stream after each
// successful local write. HLC equals the write's own timestamp.
type ChangeEvent struct {
	HLC    hlc.HLC
	Tables map[string]struct{}
}

// HasTable reports whether t is one of the event's changed tables.
func (e ChangeEvent) HasTable(t string) bool {
	_, ok := e.Tables[t]
	return ok
}

// ChangeSubscription is a live, per-subscriber feed of ChangeEvents.
// Each Session obtains its own independent subscription; the store
// fans events out to every active subscription under its own lock.
type ChangeSubscription interface {
	// Events returns the channel on which change events are
	// delivered. It is closed when Cancel is called or the store
	// itself shuts down.
	Events() <-chan ChangeEvent

	// Cancel releases the subscription. Idempotent.
	Cancel()
}

// Filter narrows GetChangeset/LastModified to records satisfying a
// node-id predicate and/or a modified-time predicate. Exactly one of
// OnlyNodeID/ExceptNodeID must be set (the sqlstore adapter rejects a
// filter with neither or both), and exactly one of ModifiedOn/ModifiedAfter may be set for
// GetChangeset (both zero means "no time filter", used only by the
// LastModified computation which has no time filter at all).
type Filter struct {
	OnlyTables    map[string]struct{} // nil means "all tables"
	OnlyNodeID    string
	ExceptNodeID  string
	ModifiedOn    hlc.HLC
	HasModifiedOn bool
	ModifiedAfter hlc.HLC
	HasModifiedAfter bool
}

// Adapter is the uniform view of an HLC-CRDT store the Session,
// Registry, and Reconnect Controller are built against. Implementations
// must be safe for concurrent use by multiple Sessions; Merge may
// serialize internally.
type Adapter interface {
	// NodeID is this store's own stable node identity, fixed for the
	// process lifetime.
	NodeID() string

	// AllTables returns the full set of table names this store
	// synchronizes.
	AllTables() map[string]struct{}

	// LastModified returns the highest modified HLC over records
	// matching the filter, or hlc.Zero(NodeID()) if none match.
	// Exactly one of filter.OnlyNodeID / filter.ExceptNodeID is set.
	LastModified(ctx context.Context, filter Filter) (hlc.HLC, error)

	// CanonicalTime returns the store's current clock value, used to
	// bound the initial catch-up window.
	CanonicalTime(ctx context.Context) (hlc.HLC, error)

	// Subscribe registers a new, independent change-stream
	// subscription.
	Subscribe(ctx context.Context) (ChangeSubscription, error)

	// GetChangeset builds a changeset matching filter. Exactly one of
	// filter.ModifiedOn (HasModifiedOn) / filter.ModifiedAfter
	// (HasModifiedAfter) is set. The result is sorted by modified
	// ascending within each table; empty tables are omitted.
	GetChangeset(ctx context.Context, filter Filter) (Changeset, error)

	// Merge applies changeset to the local store. Idempotent and
	// safe to call with a changeset that partially overlaps existing
	// state; advances clocks and fires the change stream as a side
	// effect of any row it actually applies.
	Merge(ctx context.Context, changeset Changeset) error
}
