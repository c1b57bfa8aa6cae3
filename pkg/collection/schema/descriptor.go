// Package schema is the compatibility layer between the sync engine and the
// collection database. Collection files arrive from clients spanning several
// schema generations (V11 through V18); the layer detects the version from
// the actual table structures, builds per-table descriptors from PRAGMA
// table_info, and exposes the sync-relevant tables as opaque row tuples.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema versions recognized by the layer. Detection works off table
// structure, not the ver column, because collections in the wild carry
// mismatched markers.
const (
	V11 = 11 // legacy: decks/models as JSON blobs in col
	V14 = 14 // adds deck_config, config, tags tables
	V15 = 15 // adds fields, templates, notetypes, decks tables
	V17 = 17 // restructured tags (collapsed, config columns)
	V18 = 18 // restructured graves ((oid, type) primary key)
)

// Kind is the serialization kind of a column on the wire.
type Kind int

const (
	// KindInt is emitted as a JSON number.
	KindInt Kind = iota

	// KindText is emitted as a JSON string.
	KindText

	// KindIDString is an integer column emitted as a JSON string because
	// its values can exceed 53-bit float precision on receiving platforms.
	KindIDString

	// KindBlob is a binary column, emitted base64-encoded.
	KindBlob

	// KindAny is a column declared with integer affinity that real data
	// also stores text in (the notes sort field); values pass through in
	// whichever form they arrive and SQLite affinity sorts out storage.
	KindAny
)

// MergeRule selects how incoming rows combine with stored rows.
type MergeRule int

const (
	// MergeByMod keeps the row with the later modification stamp;
	// ties keep the stored row.
	MergeByMod MergeRule = iota

	// MergeIgnoreDupes inserts rows whose primary key is absent and
	// silently drops duplicates (revision log, graves).
	MergeIgnoreDupes

	// MergeReplace unconditionally replaces by primary key (tags and
	// other tables without a modification stamp).
	MergeReplace
)

// Column describes one column of a sync table.
type Column struct {
	Name string
	Kind Kind
}

// Table describes one sync-relevant table: its live column list and the
// indices the engine needs to reassign USNs and compare modification stamps.
type Table struct {
	Name    string
	Columns []Column
	PK      []string
	USNIdx  int // index of the usn column, -1 if none
	ModIdx  int // index of the mod / mtime_secs column, -1 if none
	Merge   MergeRule
}

// ColumnNames returns the column names joined for a SELECT list.
func (t *Table) ColumnNames() string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// Placeholders returns the "?, ?, ..." string matching the column count.
func (t *Table) Placeholders() string {
	return strings.TrimSuffix(strings.Repeat("?,", len(t.Columns)), ",")
}

// colIndex returns the index of the named column, or -1.
func (t *Table) colIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Descriptor holds the detected schema version and the live table map for
// one collection database.
type Descriptor struct {
	Version int
	tables  map[string]*Table
}

// Table returns the descriptor for the named table, or nil when the schema
// does not carry it.
func (d *Descriptor) Table(name string) *Table {
	return d.tables[name]
}

// Supports reports whether the schema carries the named table.
func (d *Descriptor) Supports(name string) bool {
	return d.tables[name] != nil
}

// GravesLegacyOrder reports whether the graves table uses the pre-V18 column
// order (usn, oid, type).
func (d *Descriptor) GravesLegacyOrder() bool {
	g := d.tables["graves"]
	return g != nil && len(g.Columns) > 0 && g.Columns[0].Name == "usn"
}

// SmallObjectTables returns the small-object tables present in this schema,
// in the stable bundle order.
func (d *Descriptor) SmallObjectTables() []string {
	var out []string
	for _, name := range []string{"notetypes", "fields", "templates", "decks", "deck_config", "tags", "config"} {
		if d.Supports(name) {
			out = append(out, name)
		}
	}
	return out
}

// ChunkTables returns the large tables streamed by chunk/applyChunk, in the
// wire-stable order.
func ChunkTables() []string {
	return []string{"revlog", "cards", "notes"}
}

// tableMeta carries the static per-table knowledge layered over the live
// column list read from the database.
type tableMeta struct {
	pk       []string
	usnCol   string
	modCol   string
	merge    MergeRule
	kindOver map[string]Kind // per-column kind overrides
}

var tableMetas = map[string]tableMeta{
	"notes": {
		pk: []string{"id"}, usnCol: "usn", modCol: "mod", merge: MergeByMod,
		// csum values can exceed 53-bit precision on clients that parse
		// JSON numbers into floats. sfld is declared integer but carries
		// the textual sort field in real collections.
		kindOver: map[string]Kind{"csum": KindIDString, "sfld": KindAny},
	},
	"cards":  {pk: []string{"id"}, usnCol: "usn", modCol: "mod", merge: MergeByMod},
	"revlog": {pk: []string{"id"}, usnCol: "usn", merge: MergeIgnoreDupes},
	"graves": {pk: []string{"oid", "type"}, usnCol: "usn", merge: MergeIgnoreDupes,
		kindOver: map[string]Kind{"oid": KindIDString}},
	"decks":       {pk: []string{"id"}, usnCol: "usn", modCol: "mtime_secs", merge: MergeByMod},
	"deck_config": {pk: []string{"id"}, usnCol: "usn", modCol: "mtime_secs", merge: MergeByMod},
	"notetypes":   {pk: []string{"id"}, usnCol: "usn", modCol: "mtime_secs", merge: MergeByMod},
	"fields":      {pk: []string{"ntid", "ord"}, merge: MergeReplace},
	"templates":   {pk: []string{"ntid", "ord"}, usnCol: "usn", modCol: "mtime_secs", merge: MergeByMod},
	"tags":        {pk: []string{"tag"}, usnCol: "usn", merge: MergeReplace},
	"config":      {pk: []string{"KEY"}, usnCol: "usn", modCol: "mtime_secs", merge: MergeByMod},
}

// legacyColumns is the fallback when PRAGMA table_info cannot be read, per
// table and oldest supported layout.
var legacyColumns = map[string][]string{
	"cards": {"id", "nid", "did", "ord", "mod", "usn", "type", "queue",
		"due", "ivl", "factor", "reps", "lapses", "left", "odue",
		"odid", "flags", "data"},
	"notes": {"id", "guid", "mid", "mod", "usn", "tags", "flds",
		"sfld", "csum", "flags", "data"},
	"revlog": {"id", "cid", "usn", "ease", "ivl", "lastIvl", "factor",
		"time", "type"},
	"graves": {"usn", "oid", "type"},
	"tags":   {"tag", "usn"},
}

// loadTable builds a Table from the live database, falling back to the
// legacy column list when the table cannot be introspected.
func loadTable(ctx context.Context, db *sql.DB, name string) (*Table, error) {
	meta, ok := tableMetas[name]
	if !ok {
		return nil, fmt.Errorf("unknown sync table %q", name)
	}

	cols, err := tableColumns(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		legacy, ok := legacyColumns[name]
		if !ok {
			return nil, nil
		}
		cols = make([]Column, len(legacy))
		for i, n := range legacy {
			cols[i] = Column{Name: n, Kind: KindInt}
		}
		// Text columns in the legacy layouts.
		for i, c := range cols {
			switch c.Name {
			case "guid", "tags", "flds", "sfld", "data", "tag":
				cols[i].Kind = KindText
			}
		}
	}

	for i, c := range cols {
		if k, ok := meta.kindOver[c.Name]; ok {
			cols[i].Kind = k
		}
	}

	t := &Table{
		Name:    name,
		Columns: cols,
		PK:      meta.pk,
		USNIdx:  -1,
		ModIdx:  -1,
		Merge:   meta.merge,
	}
	if meta.usnCol != "" {
		t.USNIdx = t.colIndex(meta.usnCol)
	}
	if meta.modCol != "" {
		t.ModIdx = t.colIndex(meta.modCol)
	}
	return t, nil
}

// tableColumns reads the live column list via PRAGMA table_info. Returns nil
// when the table does not exist.
func tableColumns(ctx context.Context, db *sql.DB, name string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", name, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: colName, Kind: kindFromDeclaredType(colType)})
	}
	return cols, rows.Err()
}

// kindFromDeclaredType maps a declared SQLite column type to a wire kind.
func kindFromDeclaredType(declared string) Kind {
	t := strings.ToLower(declared)
	switch {
	case strings.Contains(t, "blob"):
		return KindBlob
	case strings.Contains(t, "text") || strings.Contains(t, "char") || strings.Contains(t, "clob"):
		return KindText
	default:
		return KindInt
	}
}
