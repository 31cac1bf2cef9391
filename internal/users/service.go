package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
	"github.com/MarcoPoloResearchLab/logqr/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "users.service.new"
	opUpsert     = "users.upsert"
	opEnsure     = "users.ensure"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies required by the user registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records verified identities as users.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the user registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Upsert records a sign-in. The subject id is the key; the email must not
// belong to another subject. Existing users get their name and
// last_login_time refreshed while user_id and email stay untouched.
func (s *Service) Upsert(ctx context.Context, identity auth.Identity) (User, error) {
	subject := normalize(identity.Subject)
	if subject == "" {
		return User{}, apperr.InvalidArgument(opUpsert, "missing_subject", "identity subject is required")
	}
	email := normalizeEmail(identity.Email)
	if email == "" {
		return User{}, apperr.InvalidArgument(opUpsert, "missing_email", "identity email is required")
	}

	var result User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		var existing User
		err := tx.Where("user_id = ?", subject).Take(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{"last_login_time": now}
			if name := normalize(identity.Name); name != "" {
				updates["name"] = name
			}
			if existing.Email == nil {
				taken, err := emailTaken(tx, email, subject)
				if err != nil {
					return err
				}
				if !taken {
					updates["email"] = email
				}
			}
			if err := tx.Model(&User{}).Where("user_id = ?", subject).Updates(updates).Error; err != nil {
				return err
			}
			return tx.Where("user_id = ?", subject).Take(&result).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		taken, err := emailTaken(tx, email, subject)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Conflict(opUpsert, "email_taken", "email is already registered to another account", nil)
		}
		result = User{
			UserID:        subject,
			Email:         &email,
			Name:          identity.DisplayName(),
			LastLoginTime: now,
			CreatedAt:     now,
		}
		return tx.Create(&result).Error
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return User{}, err
		}
		if IsUniqueViolation(err) {
			return User{}, apperr.Conflict(opUpsert, "email_taken", "email is already registered to another account", err)
		}
		s.logError(opUpsert, "store_failed", err, zap.String("user_id", subject))
		return User{}, apperr.Internal(opUpsert, "store_failed", err)
	}
	return result, nil
}

// Ensure creates a minimal user row inside the caller's transaction when the
// subject is unknown. The email is stored only when no other user holds it.
func (s *Service) Ensure(tx *gorm.DB, identity auth.Identity) error {
	subject := normalize(identity.Subject)
	if subject == "" {
		return apperr.InvalidArgument(opEnsure, "missing_subject", "identity subject is required")
	}

	var count int64
	if err := tx.Model(&User{}).Where("user_id = ?", subject).Count(&count).Error; err != nil {
		s.logError(opEnsure, "lookup_failed", err, zap.String("user_id", subject))
		return apperr.Internal(opEnsure, "lookup_failed", err)
	}
	if count > 0 {
		return nil
	}

	user := User{
		UserID:        subject,
		Name:          identity.DisplayName(),
		LastLoginTime: s.now().UTC(),
	}
	if email := normalizeEmail(identity.Email); email != "" {
		taken, err := emailTaken(tx, email, subject)
		if err != nil {
			s.logError(opEnsure, "lookup_failed", err, zap.String("user_id", subject))
			return apperr.Internal(opEnsure, "lookup_failed", err)
		}
		if !taken {
			user.Email = &email
		}
	}
	if err := tx.Create(&user).Error; err != nil {
		if IsUniqueViolation(err) {
			return apperr.Conflict(opEnsure, "user_conflict", "account could not be registered", err)
		}
		s.logError(opEnsure, "create_failed", err, zap.String("user_id", subject))
		return apperr.Internal(opEnsure, "create_failed", err)
	}
	return nil
}

// Get returns the stored user for a subject.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound("users.get", "missing_user", "user not found")
	}
	if err != nil {
		return User{}, apperr.Internal("users.get", "lookup_failed", err)
	}
	return user, nil
}

func emailTaken(tx *gorm.DB, email, subject string) (bool, error) {
	var count int64
	err := tx.Model(&User{}).Where("email = ? AND user_id <> ?", email, subject).Count(&count).Error
	return count > 0, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
