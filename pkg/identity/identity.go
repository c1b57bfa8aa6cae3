// Package identity manages user accounts and credential verification for the
// sync server. Accounts live in a SQLite database; passwords are stored as
// bcrypt hashes.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateUser indicates a user with that username already exists.
	ErrDuplicateUser = errors.New("user already exists")

	// ErrInvalidCredentials indicates the username/password pair is wrong.
	// Deliberately indistinguishable from an unknown user.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserDisabled indicates the account exists but is disabled.
	ErrUserDisabled = errors.New("user disabled")
)

// User represents a sync account.
type User struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null;size:255" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Enabled      bool       `gorm:"default:true" json:"enabled"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Key returns the stable key used to name the user's data directory. The
// username is unique and immutable, so it serves directly.
func (u *User) Key() string {
	return u.Username
}

// Gateway verifies credentials and manages accounts.
type Gateway interface {
	// Authenticate checks a username/password pair and returns the user's
	// stable key. Failures return ErrInvalidCredentials regardless of
	// whether the user exists.
	Authenticate(ctx context.Context, username, password string) (string, error)

	// AddUser creates an account with the given password.
	AddUser(ctx context.Context, username, password string) error

	// DelUser removes an account. The caller is responsible for removing
	// the user's data directory.
	DelUser(ctx context.Context, username string) error

	// SetPassword replaces an account's password.
	SetPassword(ctx context.Context, username, password string) error

	// ListUsers returns all accounts ordered by username.
	ListUsers(ctx context.Context) ([]*User, error)

	// Close releases the underlying database.
	Close() error
}
