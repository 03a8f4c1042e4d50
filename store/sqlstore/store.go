// Package sqlstore is a reference store.Adapter over a SQL-shaped
// backend (Postgres via pgx, or an embedded modernc.org/sqlite
// database), demonstrating the clause-injection query contract. It is
// exercised by the engine's tests and by cmd/syncd; applications with
// a different storage shape supply their own store.Adapter instead.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/syncnet/syncd/hlc"
	"github.com/syncnet/syncd/store"
)

// TableSchema describes one synchronized table: its name and the set
// of non-reserved (application-defined) columns the engine should
// round-trip untouched.
type TableSchema struct {
	Name    string
	Columns []string

	// Query, if set, overrides the default "SELECT * FROM <table>"
	// base query used by GetChangeset, per §6. The engine injects its
	// node-id/modified predicates before any WHERE clause this query
	// already contains. LastModified does not use it: it always runs
	// its own MAX(modified) aggregate over the whole table.
	Query string
}

// Config configures a Store.
type Config struct {
	NodeID string
	Tables []TableSchema
	Clock  clock.Clock
}

// placeholderStyle distinguishes the positional-parameter syntax of
// the two supported backends when building upsert statements (the
// read-path query builder never emits placeholders; see
// querybuilder.go).
type placeholderStyle int

const (
	placeholderQuestion placeholderStyle = iota // SQLite: ?
	placeholderDollar                           // Postgres: $1, $2, ...
)

// Store is a store.Adapter backed by database/sql.
type Store struct {
	cfg         Config
	db          *sql.DB
	tables      map[string]TableSchema
	placeholder placeholderStyle

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ store.Adapter = (*Store)(nil)

// OpenPostgres opens (and migrates) a Postgres-backed Store using the
// pgx stdlib driver, registered under the driver name "pgx".
func OpenPostgres(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening postgres: %w", err)
	}
	if err := applyPostgresMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, cfg, placeholderDollar), nil
}

// OpenSQLite opens (and schematizes) a modernc.org/sqlite-backed
// Store. path may be a file path or ":memory:".
func OpenSQLite(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening sqlite: %w", err)
	}
	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, cfg, placeholderQuestion), nil
}

func newStore(db *sql.DB, cfg Config, ph placeholderStyle) *Store {
	tables := make(map[string]TableSchema, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t.Name] = t
	}
	return &Store{
		cfg:         cfg,
		db:          db,
		tables:      tables,
		placeholder: ph,
		subs:        make(map[*subscription]struct{}),
	}
}

// Close closes every live subscription's event channel and releases
// the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.events)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// NodeID implements store.Adapter.
func (s *Store) NodeID() string { return s.cfg.NodeID }

// AllTables implements store.Adapter.
func (s *Store) AllTables() map[string]struct{} {
	out := make(map[string]struct{}, len(s.tables))
	for name := range s.tables {
		out[name] = struct{}{}
	}
	return out
}

// CanonicalTime implements store.Adapter.
func (s *Store) CanonicalTime(ctx context.Context) (hlc.HLC, error) {
	return hlc.Now(s.cfg.Clock, s.cfg.NodeID), nil
}

// LastModified implements store.Adapter.
func (s *Store) LastModified(ctx context.Context, filter store.Filter) (hlc.HLC, error) {
	zero := hlc.Zero(s.cfg.NodeID)

	tables := filter.OnlyTables
	if tables == nil {
		tables = s.AllTables()
	}

	best := zero
	found := false
	for table := range tables {
		if _, ok := s.tables[table]; !ok {
			continue
		}

		tf := filter
		tf.HasModifiedOn = false
		tf.HasModifiedAfter = false
		query, err := buildQueryClauses(table, aggregateQuery(table), tf, false)
		if err != nil {
			return hlc.HLC{}, err
		}

		row := s.db.QueryRowContext(ctx, query)
		var maxModified sql.NullString
		if err := row.Scan(&maxModified); err != nil {
			return hlc.HLC{}, fmt.Errorf("sqlstore: LastModified(%s): %w", table, err)
		}
		if !maxModified.Valid {
			continue
		}
		parsed, err := hlc.Parse(maxModified.String)
		if err != nil {
			return hlc.HLC{}, fmt.Errorf("sqlstore: parsing modified from %s: %w", table, err)
		}
		if !found || hlc.After(parsed, best) {
			best = parsed
			found = true
		}
	}
	return best, nil
}

func aggregateQuery(table string) string {
	return fmt.Sprintf("SELECT MAX(%s.modified) FROM %s", table, table)
}

// GetChangeset implements store.Adapter.
func (s *Store) GetChangeset(ctx context.Context, filter store.Filter) (store.Changeset, error) {
	tables := filter.OnlyTables
	if tables == nil {
		tables = s.AllTables()
	}

	result := make(store.Changeset, len(tables))
	for table := range tables {
		schema, ok := s.tables[table]
		if !ok {
			continue
		}

		base := schema.Query
		if base == "" {
			base = defaultQuery(table)
		}
		query, err := buildQuery(table, base, filter)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" ORDER BY %s.modified ASC", table)

		rows, err := s.scanTable(ctx, table, schema, query)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			result[table] = rows
		}
	}
	return result, nil
}

func (s *Store) scanTable(ctx context.Context, table string, schema TableSchema, query string) (store.TableChangeset, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: querying %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: columns for %s: %w", table, err)
	}

	var out store.TableChangeset
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning %s: %w", table, err)
		}

		rec := make(store.Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeValue(vals[i])
		}
		if m, ok := rec["modified"].(string); ok {
			parsed, err := hlc.Parse(m)
			if err != nil {
				return nil, fmt.Errorf("sqlstore: parsing modified in %s: %w", table, err)
			}
			rec["modified"] = parsed
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// normalizeValue coerces driver-returned []byte (common for TEXT
// columns via database/sql) into string so Records compare and
// JSON-encode predictably.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Subscribe implements store.Adapter.
func (s *Store) Subscribe(ctx context.Context) (store.ChangeSubscription, error) {
	sub := &subscription{
		events: make(chan store.ChangeEvent, 64),
		store:  s,
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) unsubscribe(sub *subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.events)
	}
	s.mu.Unlock()
}

func (s *Store) publish(evt store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.events <- evt:
		default:
			// A slow subscriber doesn't block writers; it will
			// observe the gap on its next catch-up round via the
			// peer's advertised high-water mark.
		}
	}
}

// Merge implements store.Adapter. It upserts every record by its
// primary key ("id"), taking the higher of (existing, incoming)
// modified HLC per row — the idempotent last-writer-wins merge policy
// a CRDT store built on modified-HLC columns implements; real
// application-level conflict resolution is the concrete store's
// concern, not this reference adapter's.
func (s *Store) Merge(ctx context.Context, changeset store.Changeset) error {
	evtTables := make(map[string]struct{})
	var newestInBatch hlc.HLC
	haveNewest := false

	for table, rows := range changeset {
		schema, ok := s.tables[table]
		if !ok {
			continue
		}
		for _, rec := range rows {
			applied, err := s.upsert(ctx, table, schema, rec)
			if err != nil {
				return fmt.Errorf("sqlstore: merging into %s: %w", table, err)
			}
			if !applied {
				continue
			}
			evtTables[table] = struct{}{}
			if m, ok := rec.Modified(); ok && (!haveNewest || hlc.After(m, newestInBatch)) {
				newestInBatch = m
				haveNewest = true
			}
		}
	}

	if len(evtTables) > 0 {
		evt := store.ChangeEvent{Tables: evtTables}
		if haveNewest {
			evt.HLC = newestInBatch
		} else {
			evt.HLC = hlc.Now(s.cfg.Clock, s.cfg.NodeID)
		}
		s.publish(evt)
	}
	return nil
}

// upsert writes rec and reports whether a row was inserted or updated;
// a row whose stored modified is not older than rec's is left alone.
func (s *Store) upsert(ctx context.Context, table string, schema TableSchema, rec store.Record) (bool, error) {
	cols := append([]string{"id", "node_id", "modified"}, schema.Columns...)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		placeholders[i] = s.placeholderFor(i + 1)
		switch v := rec[col].(type) {
		case hlc.HLC:
			args[i] = v.String()
		default:
			args[i] = v
		}
	}

	assignments := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		assignments = append(assignments, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s WHERE %s.modified < excluded.modified",
		table, joinCols(cols), joinCols(placeholders), joinCols(assignments), table,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if isConstraintViolation(err) {
		return false, fmt.Errorf("sqlstore: constraint violation merging row %v: %w", rec["id"], err)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// placeholderFor renders the n-th (1-indexed) positional parameter in
// this store's backend syntax.
func (s *Store) placeholderFor(n int) string {
	if s.placeholder == placeholderDollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// isConstraintViolation classifies a driver error using pgerrcode,
// giving Merge a precise log message when a constraint (rather than a
// transient connection failure) rejected the changeset.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if asPgErr(err, &pgErr) {
		switch pgErr.SQLState() {
		case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation, pgerrcode.CheckViolation:
			return true
		}
	}
	return false
}

func asPgErr(err error, target *interface{ SQLState() string }) bool {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			*target = s
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
