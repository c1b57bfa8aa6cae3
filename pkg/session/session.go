// Package session issues and resolves sync session keys, persists them across
// restarts, and serializes sync activity per user through a lock hub.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/identity"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// Session binds a key to a user and the host identifier the client chose.
type Session struct {
	Key       string    `gorm:"primaryKey;size:32"`
	UserKey   string    `gorm:"index;not null;size:255"`
	HostID    string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	LastUsed  time.Time
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// Registry persists sessions and mediates access to per-user collections.
type Registry struct {
	db    *gorm.DB
	users identity.Gateway
	cols  *collection.Store
	hub   *Hub
}

// Open opens (or creates) the session database at path and migrates the
// schema.
func Open(path string, users identity.Gateway, cols *collection.Store) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}

	return &Registry{
		db:    db,
		users: users,
		cols:  cols,
		hub:   NewHub(),
	}, nil
}

// Hub returns the per-user lock hub shared by the sync engines.
func (r *Registry) Hub() *Hub {
	return r.hub
}

// Collections returns the underlying collection store.
func (r *Registry) Collections() *collection.Store {
	return r.cols
}

// Login verifies credentials and mints a fresh session. Older sessions from
// the same host are replaced so the table does not grow with every login.
func (r *Registry) Login(ctx context.Context, username, password, hostID string) (*Session, error) {
	userKey, err := r.users.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrUserDisabled) {
			return nil, syncerr.Unauthorized("invalid credentials")
		}
		return nil, syncerr.Wrap(syncerr.CodeTemporary, err, "identity gateway unavailable")
	}

	sess := &Session{
		Key:      newKey(),
		UserKey:  userKey,
		HostID:   hostID,
		LastUsed: time.Now(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if hostID != "" {
			if err := tx.Where("user_key = ? AND host_id = ?", userKey, hostID).
				Delete(&Session{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(sess).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	logger.Info("session created", logger.KeyUser, userKey, logger.KeyHost, hostID)
	return sess, nil
}

// Resolve looks up a session by key. Unknown or malformed keys are
// unauthorized, which the transport maps to 403 as opposed to the 400
// answered to keyless discovery probes.
func (r *Registry) Resolve(ctx context.Context, key string) (*Session, error) {
	if len(key) != 32 {
		return nil, syncerr.Unauthorized("invalid session key")
	}

	var sess Session
	if err := r.db.WithContext(ctx).First(&sess, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, syncerr.Unauthorized("unknown session key")
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	r.db.WithContext(ctx).Model(&Session{}).
		Where("key = ?", key).
		Update("last_used", time.Now())
	return &sess, nil
}

// OpenCollection resolves a session and opens its user's collection handle.
// The caller must Release the handle.
func (r *Registry) OpenCollection(ctx context.Context, key string) (*Session, *collection.Handle, error) {
	sess, err := r.Resolve(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	h, err := r.cols.Open(ctx, sess.UserKey)
	if err != nil {
		return nil, nil, err
	}
	return sess, h, nil
}

// PurgeUser removes every session belonging to a user. Called by account
// deletion and explicit logout.
func (r *Registry) PurgeUser(ctx context.Context, userKey string) error {
	if err := r.db.WithContext(ctx).Where("user_key = ?", userKey).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("failed to purge sessions: %w", err)
	}
	return nil
}

// Close releases the session database.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newKey returns a 128-bit random key in hex.
func newKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session key generation failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
