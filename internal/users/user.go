package users

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// User is the locally known account behind a verified identity.
type User struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:128;not null" json:"user_id"`
	Email         *string   `gorm:"column:email;size:320;uniqueIndex" json:"email,omitempty"`
	Name          string    `gorm:"column:name;size:320" json:"name"`
	LastLoginTime time.Time `gorm:"column:last_login_time" json:"last_login_time"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// EmailAddress returns the stored email or an empty string.
func (u User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// IsUniqueViolation reports whether err is a unique constraint failure from PostgreSQL or SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
