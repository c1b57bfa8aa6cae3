// Package media implements the media sync engine: an append-only change log
// per user, the content file store, and the archive exchange used by the
// msync endpoints.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is one record of the append-only media change log. An empty Sha1
// marks a deletion tombstone. Superseded entries stay in the log; the row
// with the highest usn for a name is the current state.
type Entry struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	Fname string `gorm:"index;not null;size:255"`
	USN   int64  `gorm:"uniqueIndex;not null"`
	Sha1  string `gorm:"size:40"`
	Size  int64
	Mtime int64
}

// TableName returns the table name for Entry.
func (Entry) TableName() string {
	return "media_log"
}

// Counters is the single-row bookkeeping table: the last assigned usn and
// the running totals the sanity check compares against.
type Counters struct {
	ID            int64 `gorm:"primaryKey"`
	LastUSN       int64
	TotalBytes    int64
	NonemptyFiles int64
}

// TableName returns the table name for Counters.
func (Counters) TableName() string {
	return "media_meta"
}

// Log is one user's media change log database.
type Log struct {
	db *gorm.DB
}

// OpenLog opens (or creates) the media log database at path.
func OpenLog(path string) (*Log, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open media log: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}, &Counters{}); err != nil {
		return nil, fmt.Errorf("failed to migrate media log: %w", err)
	}

	var c Counters
	if err := db.First(&c).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(&Counters{ID: 1}).Error; err != nil {
			return nil, fmt.Errorf("failed to seed media counters: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	return &Log{db: db}, nil
}

// LastUSN returns the usn of the most recently applied change.
func (l *Log) LastUSN(ctx context.Context) (int64, error) {
	var c Counters
	if err := l.db.WithContext(ctx).First(&c).Error; err != nil {
		return 0, err
	}
	return c.LastUSN, nil
}

// ChangesSince returns up to limit entries with usn strictly greater than
// afterUSN, in ascending usn order.
func (l *Log) ChangesSince(ctx context.Context, afterUSN int64, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("usn > ?", afterUSN).
		Order("usn asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Current returns the latest log entry for a name, or nil when the name was
// never written.
func (l *Log) Current(ctx context.Context, fname string) (*Entry, error) {
	var e Entry
	err := l.db.WithContext(ctx).
		Where("fname = ?", fname).
		Order("usn desc").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Append records a change and advances the usn counter. sha1Hex is empty for
// deletions; prev is the superseded state, used to keep the totals right.
func (l *Log) Append(ctx context.Context, fname, sha1Hex string, size int64, prev *Entry) (int64, error) {
	var usn int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Counters
		if err := tx.First(&c).Error; err != nil {
			return err
		}
		usn = c.LastUSN + 1

		entry := &Entry{
			Fname: fname,
			USN:   usn,
			Sha1:  sha1Hex,
			Size:  size,
			Mtime: time.Now().Unix(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		c.LastUSN = usn
		if prev != nil && prev.Sha1 != "" {
			c.TotalBytes -= prev.Size
			c.NonemptyFiles--
		}
		if sha1Hex != "" {
			c.TotalBytes += size
			c.NonemptyFiles++
		}
		return tx.Save(&c).Error
	})
	return usn, err
}

// NonemptyCount returns the tracked number of live files.
func (l *Log) NonemptyCount(ctx context.Context) (int64, error) {
	var c Counters
	if err := l.db.WithContext(ctx).First(&c).Error; err != nil {
		return 0, err
	}
	return c.NonemptyFiles, nil
}

// Recount recomputes the totals from the log itself and stores them. Used by
// the sanity check before declaring a mismatch.
func (l *Log) Recount(ctx context.Context) (int64, error) {
	var count, bytes int64
	err := l.db.WithContext(ctx).Raw(`
		SELECT count(*), coalesce(sum(size), 0) FROM media_log m
		WHERE sha1 <> ''
		AND usn = (SELECT max(usn) FROM media_log WHERE fname = m.fname)`).
		Row().Scan(&count, &bytes)
	if err != nil {
		return 0, fmt.Errorf("recounting media log: %w", err)
	}

	err = l.db.WithContext(ctx).Model(&Counters{}).
		Where("id = 1").
		Updates(map[string]any{"nonempty_files": count, "total_bytes": bytes}).Error
	return count, err
}

// Close releases the underlying database.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
