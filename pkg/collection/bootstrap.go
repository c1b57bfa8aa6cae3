package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// bootstrapDDL is the schema-V18 layout created for first-contact users.
var bootstrapDDL = []string{
	`CREATE TABLE col (
		id integer primary key,
		crt integer not null,
		mod integer not null,
		scm integer not null,
		ver integer not null,
		dty integer not null,
		usn integer not null,
		ls integer not null,
		conf text not null,
		models text not null,
		decks text not null,
		dconf text not null,
		tags text not null
	)`,
	`CREATE TABLE notes (
		id integer primary key,
		guid text not null,
		mid integer not null,
		mod integer not null,
		usn integer not null,
		tags text not null,
		flds text not null,
		sfld integer not null,
		csum integer not null,
		flags integer not null,
		data text not null
	)`,
	`CREATE TABLE cards (
		id integer primary key,
		nid integer not null,
		did integer not null,
		ord integer not null,
		mod integer not null,
		usn integer not null,
		type integer not null,
		queue integer not null,
		due integer not null,
		ivl integer not null,
		factor integer not null,
		reps integer not null,
		lapses integer not null,
		left integer not null,
		odue integer not null,
		odid integer not null,
		flags integer not null,
		data text not null
	)`,
	`CREATE TABLE revlog (
		id integer primary key,
		cid integer not null,
		usn integer not null,
		ease integer not null,
		ivl integer not null,
		lastIvl integer not null,
		factor integer not null,
		time integer not null,
		type integer not null
	)`,
	`CREATE TABLE graves (
		oid integer not null,
		type integer not null,
		usn integer not null,
		PRIMARY KEY (oid, type)
	) WITHOUT ROWID`,
	`CREATE TABLE config (
		KEY text not null primary key,
		usn integer not null,
		mtime_secs integer not null,
		val blob not null
	) WITHOUT ROWID`,
	`CREATE TABLE deck_config (
		id integer primary key not null,
		name text not null collate nocase,
		mtime_secs integer not null,
		usn integer not null,
		config blob not null
	)`,
	`CREATE TABLE tags (
		tag text not null primary key collate nocase,
		usn integer not null,
		collapsed boolean not null,
		config blob null
	) WITHOUT ROWID`,
	`CREATE TABLE notetypes (
		id integer not null primary key,
		name text not null collate nocase,
		mtime_secs integer not null,
		usn integer not null,
		config blob not null
	)`,
	`CREATE TABLE fields (
		ntid integer not null,
		ord integer not null,
		name text not null collate nocase,
		config blob not null,
		PRIMARY KEY (ntid, ord)
	) WITHOUT ROWID`,
	`CREATE TABLE templates (
		ntid integer not null,
		ord integer not null,
		name text not null collate nocase,
		mtime_secs integer not null,
		usn integer not null,
		config blob not null,
		PRIMARY KEY (ntid, ord)
	) WITHOUT ROWID`,
	`CREATE TABLE decks (
		id integer primary key not null,
		name text not null collate nocase,
		mtime_secs integer not null,
		usn integer not null,
		common blob not null,
		kind blob not null
	)`,
	`CREATE INDEX ix_notes_usn ON notes (usn)`,
	`CREATE INDEX ix_cards_usn ON cards (usn)`,
	`CREATE INDEX ix_revlog_usn ON revlog (usn)`,
	`CREATE INDEX ix_cards_nid ON cards (nid)`,
	`CREATE INDEX ix_cards_sched ON cards (did, queue, due)`,
	`CREATE INDEX ix_revlog_cid ON revlog (cid)`,
	`CREATE INDEX ix_notes_csum ON notes (csum)`,
	`CREATE UNIQUE INDEX idx_fields_name_ntid ON fields (name, ntid)`,
	`CREATE UNIQUE INDEX idx_templates_name_ntid ON templates (name, ntid)`,
	`CREATE UNIQUE INDEX idx_notetypes_name ON notetypes (name)`,
	`CREATE UNIQUE INDEX idx_decks_name ON decks (name)`,
}

// Bootstrap creates an empty schema-V18 collection file at path, including
// the header row. The parent directory is created as needed.
func Bootstrap(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating collection directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, stmt := range bootstrapDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = os.Remove(path)
			return fmt.Errorf("bootstrapping collection: %w", err)
		}
	}

	now := time.Now()
	crt := dayStart(now)
	ms := now.UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		VALUES (1, ?, ?, ?, 18, 0, 0, 0, '{}', '{}', '{}', '{}', '{}')`,
		crt, ms, ms)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("writing collection header: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing fresh collection: %w", err)
	}
	return nil
}

// dayStart returns 04:00 local time of the given day in unix seconds, the
// conventional rollover hour for creation stamps.
func dayStart(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 4, 0, 0, 0, t.Location()).Unix()
}
