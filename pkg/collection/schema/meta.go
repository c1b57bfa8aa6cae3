package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Meta is the col-table header the handshake and finish steps work with.
// mod, scm, and ls are millisecond timestamps; crt is seconds.
type Meta struct {
	Crt int64
	Mod int64
	Scm int64
	Ver int64
	USN int64
	Ls  int64
}

// ReadMeta reads the collection header.
func ReadMeta(ctx context.Context, db DBTX) (Meta, error) {
	var m Meta
	err := db.QueryRowContext(ctx,
		"SELECT crt, mod, scm, ver, usn, ls FROM col").
		Scan(&m.Crt, &m.Mod, &m.Scm, &m.Ver, &m.USN, &m.Ls)
	if err != nil {
		return m, fmt.Errorf("reading collection header: %w", err)
	}
	return m, nil
}

// IncrementUSN bumps the collection usn by one.
func IncrementUSN(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, "UPDATE col SET usn = usn + 1")
	return err
}

// SetModified stores the collection modification time (ms).
func SetModified(ctx context.Context, db DBTX, mod int64) error {
	_, err := db.ExecContext(ctx, "UPDATE col SET mod = ?", mod)
	return err
}

// SetLastSync stores the last-sync timestamp (ms).
func SetLastSync(ctx context.Context, db DBTX, ls int64) error {
	_, err := db.ExecContext(ctx, "UPDATE col SET ls = ?", ls)
	return err
}

// SetSchemaModified stores a new schema-change timestamp (ms), forcing every
// client into a full sync on its next handshake.
func SetSchemaModified(ctx context.Context, db DBTX, scm int64) error {
	_, err := db.ExecContext(ctx, "UPDATE col SET scm = ?", scm)
	return err
}

// IsEmpty reports whether the collection holds no cards.
func IsEmpty(ctx context.Context, db DBTX) (bool, error) {
	var one int64
	err := db.QueryRowContext(ctx, "SELECT 1 FROM cards LIMIT 1").Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// HasPendingUSN reports whether any sync table still carries usn = -1 rows,
// which would mean a sync left the collection half-stamped.
func HasPendingUSN(ctx context.Context, db DBTX, d *Descriptor) (string, error) {
	tables := []string{"cards", "notes", "revlog", "graves"}
	tables = append(tables, d.SmallObjectTables()...)
	for _, name := range tables {
		t := d.Table(name)
		if t == nil || t.USNIdx < 0 {
			continue
		}
		var one int64
		err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE usn=-1 LIMIT 1", name)).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", nil
}

// CountRows counts the rows of a table, reporting 0 for absent tables.
func CountRows(ctx context.Context, db DBTX, d *Descriptor, name string) (int64, error) {
	if !d.Supports(name) {
		return 0, nil
	}
	var n int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count() FROM %s", name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, err)
	}
	return n, nil
}

// SanityCounts computes the server sanity vector:
// [[0,0,0], notes, cards, revlog, graves, decks, deckConfigs, noteTypes,
// tags, configEntries]. The leading scheduler triple is pinned to zero so
// deck-selection differences between clients cannot fail the check.
func SanityCounts(ctx context.Context, db DBTX, d *Descriptor) ([]any, error) {
	names := []string{"notes", "cards", "revlog", "graves", "decks", "deck_config", "notetypes", "tags", "config"}
	out := make([]any, 0, len(names)+1)
	out = append(out, []int64{0, 0, 0})
	for _, name := range names {
		n, err := CountRows(ctx, db, d, name)
		if err != nil {
			return nil, err
		}
		// Legacy schemas keep decks/models/config as JSON blobs in col.
		if n == 0 && !d.Supports(name) {
			if m, ok := legacyJSONCount(ctx, db, name); ok {
				n = m
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// legacyJSONCount counts entries in the pre-V15 JSON columns of col.
func legacyJSONCount(ctx context.Context, db DBTX, table string) (int64, bool) {
	column := map[string]string{
		"decks":       "decks",
		"deck_config": "dconf",
		"notetypes":   "models",
		"tags":        "tags",
		"config":      "conf",
	}[table]
	if column == "" {
		return 0, false
	}

	var blob string
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM col", column)).Scan(&blob); err != nil {
		return 0, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return 0, false
	}
	return int64(len(m)), true
}

// ReadColJSON reads one of the legacy JSON columns (models, decks, dconf,
// tags, conf) as raw text.
func ReadColJSON(ctx context.Context, db DBTX, column string) (string, error) {
	if !legacyColumn(column) {
		return "", fmt.Errorf("unknown col JSON column %q", column)
	}
	var blob string
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM col", column)).Scan(&blob); err != nil {
		return "", fmt.Errorf("reading col.%s: %w", column, err)
	}
	return blob, nil
}

// WriteColJSON replaces one of the legacy JSON columns.
func WriteColJSON(ctx context.Context, db DBTX, column, blob string) error {
	if !legacyColumn(column) {
		return fmt.Errorf("unknown col JSON column %q", column)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("UPDATE col SET %s = ?", column), blob)
	return err
}

func legacyColumn(name string) bool {
	switch name {
	case "models", "decks", "dconf", "tags", "conf":
		return true
	}
	return false
}

// SetCreation stores the collection creation timestamp (seconds).
func SetCreation(ctx context.Context, db DBTX, crt int64) error {
	_, err := db.ExecContext(ctx, "UPDATE col SET crt = ?", crt)
	return err
}
