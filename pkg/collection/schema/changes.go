package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Grave kinds, matching the type column of the graves table.
const (
	GraveCard int64 = 0
	GraveNote int64 = 1
	GraveDeck int64 = 2
)

// DBTX is the subset of database/sql needed by the layer, satisfied by both
// *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// QueryChanged returns the rows of t whose usn is at least minUsn. The usn
// column in the returned tuples is rewritten to reportUsn, which is what the
// receiving side will store.
func QueryChanged(ctx context.Context, db DBTX, t *Table, minUsn, reportUsn int64) ([]Row, error) {
	if t.USNIdx < 0 {
		return nil, fmt.Errorf("table %s has no usn column", t.Name)
	}

	// Build the select list with the usn column replaced by a literal.
	parts := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		if i == t.USNIdx {
			parts[i] = "?"
		} else {
			parts[i] = c.Name
		}
	}

	// Locally-new rows carry usn = -1 and are always included; MarkSent
	// stamps them afterwards.
	query := fmt.Sprintf("SELECT %s FROM %s WHERE usn >= ? OR usn = -1", strings.Join(parts, ", "), t.Name)
	rows, err := db.QueryContext(ctx, query, reportUsn, minUsn)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.Name, err)
	}
	defer rows.Close()

	return scanRows(rows, len(t.Columns))
}

// QueryRowsByParent returns the rows of t belonging to the given parent IDs
// (first primary-key column). Used for fields/templates, which ride along
// with their notetype.
func QueryRowsByParent(ctx context.Context, db DBTX, t *Table, parentIDs []int64) ([]Row, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN %s ORDER BY %s, %s",
		t.ColumnNames(), t.Name, t.PK[0], idList(parentIDs), t.PK[0], t.PK[1])
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.Name, err)
	}
	defer rows.Close()

	return scanRows(rows, len(t.Columns))
}

// MarkSent stamps locally-new rows (usn = -1) with the given usn after they
// have been enumerated for the peer.
func MarkSent(ctx context.Context, db DBTX, t *Table, usn int64) error {
	if t.USNIdx < 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET usn=? WHERE usn=-1", t.Name), usn)
	return err
}

// ApplyRows upserts decoded rows into t following its merge rule. Incoming
// rows with usn = -1 are reassigned usn before writing.
func ApplyRows(ctx context.Context, db DBTX, t *Table, rows []Row, usn int64) error {
	if len(rows) == 0 {
		return nil
	}

	rows, err := reassignUSN(t, rows, usn)
	if err != nil {
		return err
	}

	switch t.Merge {
	case MergeByMod:
		rows, err = newerRows(ctx, db, t, rows)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return insertRows(ctx, db, t, rows, "INSERT OR REPLACE")
	case MergeIgnoreDupes:
		return insertRows(ctx, db, t, rows, "INSERT OR IGNORE")
	default:
		return insertRows(ctx, db, t, rows, "INSERT OR REPLACE")
	}
}

// ReplaceChildRows deletes the child rows of the given parents and inserts
// the incoming set, keeping fields/templates consistent with their notetype.
func ReplaceChildRows(ctx context.Context, db DBTX, t *Table, parentIDs []int64, rows []Row) error {
	if len(parentIDs) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s IN %s",
		t.Name, t.PK[0], idList(parentIDs)))
	if err != nil {
		return fmt.Errorf("clearing %s: %w", t.Name, err)
	}
	if len(rows) == 0 {
		return nil
	}
	return insertRows(ctx, db, t, rows, "INSERT OR REPLACE")
}

// reassignUSN rewrites usn = -1 values to the server usn.
func reassignUSN(t *Table, rows []Row, usn int64) ([]Row, error) {
	if t.USNIdx < 0 {
		return rows, nil
	}
	for _, row := range rows {
		v, err := Int64At(row, t.USNIdx)
		if err != nil {
			return nil, fmt.Errorf("table %s: bad usn value: %w", t.Name, err)
		}
		if v == -1 {
			row[t.USNIdx] = usn
		}
	}
	return rows, nil
}

// newerRows filters incoming rows to those missing locally or carrying a
// later modification stamp than the stored row. Ties keep the stored row.
func newerRows(ctx context.Context, db DBTX, t *Table, rows []Row) ([]Row, error) {
	if t.ModIdx < 0 {
		return rows, nil
	}

	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		k, err := mergeKeyAt(t, row)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	stored := make(map[any]int64, len(keys))
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		t.PK[0], t.Columns[t.ModIdx].Name, t.Name, t.PK[0], paramList(len(keys)))
	res, err := db.QueryContext(ctx, query, keys...)
	if err != nil {
		return nil, fmt.Errorf("reading stored stamps for %s: %w", t.Name, err)
	}
	defer res.Close()
	for res.Next() {
		var key any
		var mod int64
		if err := res.Scan(&key, &mod); err != nil {
			return nil, err
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		stored[key] = mod
	}
	if err := res.Err(); err != nil {
		return nil, err
	}

	keep := rows[:0]
	for i, row := range rows {
		mod, err := Int64At(row, t.ModIdx)
		if err != nil {
			return nil, err
		}
		if lmod, ok := stored[keys[i]]; !ok || lmod < mod {
			keep = append(keep, row)
		}
	}
	return keep, nil
}

// mergeKeyAt returns the row's first primary-key value, typed per the column
// kind: config is keyed by text, the rest by integers.
func mergeKeyAt(t *Table, row Row) (any, error) {
	if len(row) == 0 {
		return nil, fmt.Errorf("table %s: empty row", t.Name)
	}
	if t.Columns[0].Kind == KindText {
		switch x := row[0].(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return fmt.Sprintf("%v", x), nil
		}
	}
	return Int64At(row, 0)
}

// paramList renders "?, ?, ..." for a parameterized IN clause.
func paramList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func insertRows(ctx context.Context, db DBTX, t *Table, rows []Row, verb string) error {
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, t.Name, t.ColumnNames(), t.Placeholders())
	for _, row := range rows {
		if _, err := db.ExecContext(ctx, query, []any(row)...); err != nil {
			return fmt.Errorf("writing %s row: %w", t.Name, err)
		}
	}
	return nil
}

// scanRows reads all result rows into value tuples.
func scanRows(rows *sql.Rows, ncols int) ([]Row, error) {
	var out []Row
	for rows.Next() {
		vals := make(Row, ncols)
		ptrs := make([]any, ncols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// Graves is the deletion bundle exchanged during start/applyGraves. Object
// IDs are emitted as strings on the wire; both forms are accepted inbound.
type Graves struct {
	Cards []int64
	Notes []int64
	Decks []int64
}

// MarshalJSON emits the bundle with stringified IDs, using empty arrays
// rather than nulls.
func (g Graves) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]string{
		"cards": stringIDs(g.Cards),
		"notes": stringIDs(g.Notes),
		"decks": stringIDs(g.Decks),
	})
}

// UnmarshalJSON accepts IDs as strings or numbers.
func (g *Graves) UnmarshalJSON(data []byte) error {
	var raw map[string][]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var err error
	if g.Cards, err = int64IDs(raw["cards"]); err != nil {
		return err
	}
	if g.Notes, err = int64IDs(raw["notes"]); err != nil {
		return err
	}
	g.Decks, err = int64IDs(raw["decks"])
	return err
}

func stringIDs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out
}

func int64IDs(vals []any) ([]int64, error) {
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("bad grave id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// ListGraves returns the deletions recorded at or after minUsn.
func ListGraves(ctx context.Context, db DBTX, d *Descriptor, minUsn int64) (Graves, error) {
	var g Graves
	rows, err := db.QueryContext(ctx, "SELECT oid, type FROM graves WHERE usn >= ?", minUsn)
	if err != nil {
		return g, fmt.Errorf("listing graves: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var oid, kind int64
		if err := rows.Scan(&oid, &kind); err != nil {
			return g, err
		}
		switch kind {
		case GraveCard:
			g.Cards = append(g.Cards, oid)
		case GraveNote:
			g.Notes = append(g.Notes, oid)
		default:
			g.Decks = append(g.Decks, oid)
		}
	}
	return g, rows.Err()
}

// ApplyGraves removes the tombstoned objects and records the graves at the
// given usn. Cards are removed together with notes left without any card;
// the tombstones guard against re-creation for the rest of the transaction.
func ApplyGraves(ctx context.Context, db DBTX, d *Descriptor, g Graves, usn int64) error {
	if len(g.Cards) > 0 {
		// Notes that may be orphaned once these cards go.
		nids, err := queryIDs(ctx, db,
			fmt.Sprintf("SELECT DISTINCT nid FROM cards WHERE id IN %s", idList(g.Cards)))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM cards WHERE id IN %s", idList(g.Cards))); err != nil {
			return fmt.Errorf("removing cards: %w", err)
		}
		if len(nids) > 0 {
			if _, err := db.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM notes WHERE id IN %s AND id NOT IN (SELECT nid FROM cards)",
				idList(nids))); err != nil {
				return fmt.Errorf("removing orphaned notes: %w", err)
			}
		}
	}
	if err := insertGraves(ctx, db, d, g.Cards, GraveCard, usn); err != nil {
		return err
	}

	if len(g.Notes) > 0 {
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM notes WHERE id IN %s", idList(g.Notes))); err != nil {
			return fmt.Errorf("removing notes: %w", err)
		}
	}
	if err := insertGraves(ctx, db, d, g.Notes, GraveNote, usn); err != nil {
		return err
	}

	if len(g.Decks) > 0 && d.Supports("decks") {
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM decks WHERE id IN %s", idList(g.Decks))); err != nil {
			return fmt.Errorf("removing decks: %w", err)
		}
	}
	return insertGraves(ctx, db, d, g.Decks, GraveDeck, usn)
}

// insertGraves records tombstones, tolerating the pre-V18 column order.
func insertGraves(ctx context.Context, db DBTX, d *Descriptor, ids []int64, kind, usn int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "INSERT OR IGNORE INTO graves (oid, type, usn) VALUES (?, ?, ?)"
	if d.GravesLegacyOrder() {
		query = "INSERT OR IGNORE INTO graves (usn, oid, type) VALUES (?, ?, ?)"
	}
	for _, id := range ids {
		var err error
		if d.GravesLegacyOrder() {
			_, err = db.ExecContext(ctx, query, usn, id, kind)
		} else {
			_, err = db.ExecContext(ctx, query, id, kind, usn)
		}
		if err != nil {
			return fmt.Errorf("recording grave: %w", err)
		}
	}
	return nil
}

func queryIDs(ctx context.Context, db DBTX, query string, args ...any) ([]int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// idList renders an IN-clause literal. IDs are integers, so no quoting is
// involved.
func idList(ids []int64) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte(')')
	return b.String()
}
