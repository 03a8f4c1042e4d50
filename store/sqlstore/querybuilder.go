package sqlstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/syncnet/syncd/store"
)

// defaultQuery is the template used when a table has no caller-supplied
// query registered.
func defaultQuery(table string) string {
	return fmt.Sprintf("SELECT * FROM %s", table)
}

var whereRe = regexp.MustCompile(`(?i)\bWHERE\b`)

// buildQuery rewrites baseQuery for table according to filter: exactly
// one node-id clause, and — unless requireModifiedClause is false
// (used only by the aggregate LastModified query, which has no time
// filter at all) — exactly one modified clause, are injected as
// AND-joined predicates *before* any user-supplied WHERE predicate.
// Injected clauses use literal quoted values (never placeholders), so
// the caller's own positional parameters are left untouched.
func buildQuery(table string, baseQuery string, filter store.Filter) (string, error) {
	return buildQueryClauses(table, baseQuery, filter, true)
}

func buildQueryClauses(table string, baseQuery string, filter store.Filter, requireModifiedClause bool) (string, error) {
	if baseQuery == "" {
		baseQuery = defaultQuery(table)
	}

	nodeClause, err := nodeIDClause(table, filter)
	if err != nil {
		return "", err
	}
	clauses := []string{nodeClause}

	if requireModifiedClause || filter.HasModifiedOn || filter.HasModifiedAfter {
		timeClause, err := modifiedClause(table, filter)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, timeClause)
	}
	injected := strings.Join(clauses, " AND ")

	loc := whereRe.FindStringIndex(baseQuery)
	if loc == nil {
		return fmt.Sprintf("%s WHERE %s", strings.TrimRight(baseQuery, " "), injected), nil
	}

	prefix := baseQuery[:loc[0]]
	userPredicate := strings.TrimSpace(baseQuery[loc[1]:])
	return fmt.Sprintf("%sWHERE %s AND %s", prefix, injected, userPredicate), nil
}

func nodeIDClause(table string, filter store.Filter) (string, error) {
	switch {
	case filter.OnlyNodeID != "" && filter.ExceptNodeID != "":
		return "", fmt.Errorf("sqlstore: filter sets both OnlyNodeID and ExceptNodeID")
	case filter.OnlyNodeID != "":
		return fmt.Sprintf("%s.node_id = '%s'", table, escapeLiteral(filter.OnlyNodeID)), nil
	case filter.ExceptNodeID != "":
		return fmt.Sprintf("%s.node_id != '%s'", table, escapeLiteral(filter.ExceptNodeID)), nil
	default:
		return "", fmt.Errorf("sqlstore: filter must set exactly one of OnlyNodeID/ExceptNodeID")
	}
}

func modifiedClause(table string, filter store.Filter) (string, error) {
	switch {
	case filter.HasModifiedOn && filter.HasModifiedAfter:
		return "", fmt.Errorf("sqlstore: filter sets both ModifiedOn and ModifiedAfter")
	case filter.HasModifiedOn:
		return fmt.Sprintf("%s.modified = '%s'", table, escapeLiteral(filter.ModifiedOn.String())), nil
	case filter.HasModifiedAfter:
		return fmt.Sprintf("%s.modified > '%s'", table, escapeLiteral(filter.ModifiedAfter.String())), nil
	default:
		return "", fmt.Errorf("sqlstore: filter must set exactly one of ModifiedOn/ModifiedAfter")
	}
}

// escapeLiteral escapes single quotes for injection into a literal SQL
// string, since these clauses are string-built rather than parameterized.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
