package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// syncTables is every table the descriptor tries to load. Tables absent from
// the live schema are simply not served.
var syncTables = []string{
	"notes", "cards", "revlog", "graves",
	"notetypes", "fields", "templates", "decks", "deck_config", "tags", "config",
}

// Load detects the schema version of an open collection database and builds
// its descriptor.
func Load(ctx context.Context, db *sql.DB) (*Descriptor, error) {
	version, err := detectVersion(ctx, db)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Version: version,
		tables:  make(map[string]*Table, len(syncTables)),
	}
	for _, name := range syncTables {
		t, err := loadTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		if t != nil && len(t.Columns) > 0 {
			d.tables[name] = t
		}
	}

	if err := checkCompatible(d); err != nil {
		return nil, err
	}
	return d, nil
}

// detectVersion infers the schema generation from table structures rather
// than the ver column; collections in the wild carry stale markers.
func detectVersion(ctx context.Context, db *sql.DB) (int, error) {
	exists := func(name string) (bool, error) {
		var n string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}

	colCount := func(name string) (int, error) {
		cols, err := tableColumns(ctx, db, name)
		if err != nil {
			return 0, err
		}
		return len(cols), nil
	}

	if ok, err := exists("graves"); err != nil {
		return 0, err
	} else if ok {
		// V18 graves is exactly (oid, type, usn).
		if n, err := colCount("graves"); err != nil {
			return 0, err
		} else if n == 3 {
			var first string
			rows, err := tableColumns(ctx, db, "graves")
			if err != nil {
				return 0, err
			}
			first = rows[0].Name
			if first == "oid" {
				return V18, nil
			}
		}
	}

	if ok, err := exists("tags"); err != nil {
		return 0, err
	} else if ok {
		if n, err := colCount("tags"); err != nil {
			return 0, err
		} else if n >= 4 {
			return V17, nil
		}
	}

	for _, group := range []struct {
		tables  []string
		version int
	}{
		{[]string{"fields", "templates", "notetypes"}, V15},
		{[]string{"deck_config", "config"}, V14},
	} {
		all := true
		for _, t := range group.tables {
			ok, err := exists(t)
			if err != nil {
				return 0, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return group.version, nil
		}
	}

	return V11, nil
}

// checkCompatible refuses collections whose core tables are unusable.
func checkCompatible(d *Descriptor) error {
	minCols := map[string]int{
		"cards":  15,
		"notes":  8,
		"revlog": 8,
		"graves": 3,
	}
	for name, min := range minCols {
		t := d.Table(name)
		if t == nil {
			return fmt.Errorf("collection schema missing required table %q", name)
		}
		if len(t.Columns) < min {
			return fmt.Errorf("table %q has %d columns, need at least %d", name, len(t.Columns), min)
		}
	}
	return nil
}
