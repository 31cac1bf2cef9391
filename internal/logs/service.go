package logs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
	"github.com/MarcoPoloResearchLab/logqr/internal/auth"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "logs.service.new"
	opCreate     = "logs.create"
	opConfig     = "logs.get_active_config"
	opList       = "logs.list"
	opAuthorize  = "logs.authorize"
	opSetStatus  = "logs.set_status"
	opDelete     = "logs.delete"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingQRCodes    = errors.New("qr generator is required")
	errMissingUsers      = errors.New("user registry is required")
	noOpLogger           = zap.NewNop()
)

// UserEnsurer creates the owner row inside the creation transaction.
type UserEnsurer interface {
	Ensure(tx *gorm.DB, identity auth.Identity) error
}

// QRGenerator renders the QR artifact for a log.
type QRGenerator interface {
	Generate(logID string) (string, error)
}

// PhotoRemover deletes stored review photos.
type PhotoRemover interface {
	Delete(ctx context.Context, fileURL string) error
}

// ServiceConfig describes the dependencies of the log configuration engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	QRCodes    QRGenerator
	Users      UserEnsurer
	Photos     PhotoRemover
	Logger     *zap.Logger
}

// Service owns logs and their field configuration.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	qrCodes    QRGenerator
	users      UserEnsurer
	photos     PhotoRemover
	logger     *zap.Logger
	validate   *validator.Validate
}

// NewService constructs the log service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.QRCodes == nil {
		return nil, apperr.Internal(opServiceNew, "missing_qr_generator", errMissingQRCodes)
	}
	if cfg.Users == nil {
		return nil, apperr.Internal(opServiceNew, "missing_users", errMissingUsers)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		qrCodes:    cfg.QRCodes,
		users:      cfg.Users,
		photos:     cfg.Photos,
		logger:     logger,
		validate:   newValidator(),
	}, nil
}

// FieldSpec is one requested field of a new log.
type FieldSpec struct {
	Name     string `json:"name" validate:"required,max=64"`
	Type     string `json:"type" validate:"omitempty,oneof=text long_text photo multiselect duration"`
	Enabled  *bool  `json:"enabled"`
	Required bool   `json:"required"`
}

// IsEnabled treats an omitted flag as enabled.
func (f FieldSpec) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// CreateInput carries the owner's form definition.
type CreateInput struct {
	Title       string      `json:"title" validate:"required,max=200"`
	Description string      `json:"description" validate:"max=2000"`
	Fields      []FieldSpec `json:"fields" validate:"required,min=1,dive"`
}

// CreateResult identifies the new log and its QR artifact.
type CreateResult struct {
	LogID     string `json:"log_id"`
	QRCodeURL string `json:"qr_code_url"`
}

// Create validates the definition and stores the log, its QR artifact and
// its enabled fields in one transaction. display_order keeps each field's
// index in the request, including positions of disabled fields.
func (s *Service) Create(ctx context.Context, owner auth.Identity, input CreateInput) (CreateResult, error) {
	input = normalizeCreateInput(input)
	if strings.TrimSpace(owner.Subject) == "" {
		return CreateResult{}, apperr.Unauthenticated(opCreate, "missing_owner", nil)
	}
	if err := s.validateCreate(input); err != nil {
		return CreateResult{}, err
	}

	logID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return CreateResult{}, apperr.Internal(opCreate, "id_generation_failed", err)
	}

	result := CreateResult{LogID: logID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.users.Ensure(tx, owner); err != nil {
			return err
		}

		now := s.clock().UTC()
		log := Log{
			LogID:       logID,
			UserID:      owner.Subject,
			Title:       input.Title,
			Description: input.Description,
			Status:      StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&log).Error; err != nil {
			return apperr.Internal(opCreate, "log_insert_failed", err)
		}

		qrCodeURL, err := s.qrCodes.Generate(logID)
		if err != nil {
			return apperr.Internal(opCreate, "qr_generation_failed", err)
		}
		if err := tx.Model(&Log{}).Where("log_id = ?", logID).Update("qr_code_url", qrCodeURL).Error; err != nil {
			return apperr.Internal(opCreate, "qr_store_failed", err)
		}
		result.QRCodeURL = qrCodeURL

		for index, spec := range input.Fields {
			if !spec.IsEnabled() {
				continue
			}
			field := LogField{
				LogID:        logID,
				FieldName:    spec.Name,
				FieldType:    resolveKind(spec),
				IsEnabled:    true,
				IsRequired:   spec.Required,
				DisplayOrder: index,
			}
			if err := tx.Create(&field).Error; err != nil {
				return apperr.Internal(opCreate, "field_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		if apperr.KindOf(txErr) == apperr.KindInternal {
			s.logError(opCreate, "transaction_failed", txErr,
				zap.String("user_id", owner.Subject),
				zap.String("log_id", logID),
				zap.Int("fields", len(input.Fields)))
		}
		return CreateResult{}, txErr
	}
	return result, nil
}

// GetActiveConfig returns the public form of an active log. Missing and
// inactive logs are indistinguishable to the caller.
func (s *Service) GetActiveConfig(ctx context.Context, logID string) (Config, error) {
	logID = strings.TrimSpace(logID)
	notFound := apperr.NotFound(opConfig, "log_not_found", "log not found or inactive")
	if logID == "" {
		return Config{}, notFound
	}

	var log Log
	err := s.db.WithContext(ctx).Where("log_id = ? AND status = ?", logID, StatusActive).Take(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Config{}, notFound
	}
	if err != nil {
		s.logError(opConfig, "log_select_failed", err, zap.String("log_id", logID))
		return Config{}, apperr.Internal(opConfig, "log_select_failed", err)
	}

	var fields []LogField
	err = s.db.WithContext(ctx).
		Where("log_id = ? AND is_enabled = ?", logID, true).
		Order("display_order ASC").
		Order("field_id ASC").
		Find(&fields).Error
	if err != nil {
		s.logError(opConfig, "field_select_failed", err, zap.String("log_id", logID))
		return Config{}, apperr.Internal(opConfig, "field_select_failed", err)
	}

	config := Config{
		LogID:       log.LogID,
		Title:       log.Title,
		Description: log.Description,
		QRCodeURL:   log.QRCodeURL,
		Fields:      make([]ConfigField, 0, len(fields)),
	}
	for _, field := range fields {
		config.Fields = append(config.Fields, ConfigField{
			Name:         field.FieldName,
			Kind:         field.FieldType,
			InputType:    field.FieldType.InputType(),
			Required:     field.IsRequired,
			DisplayOrder: field.DisplayOrder,
		})
	}
	return config, nil
}

// ListPage is one page of an owner's logs.
type ListPage struct {
	Logs       []Log      `json:"logs"`
	Pagination Pagination `json:"pagination"`
}

// List returns the owner's logs, newest first.
func (s *Service) List(ctx context.Context, ownerID string, request PageRequest) (ListPage, error) {
	if err := request.Validate(opList); err != nil {
		return ListPage{}, err
	}
	status := strings.ToLower(strings.TrimSpace(request.Status))
	if status != "" && status != StatusActive && status != StatusInactive {
		return ListPage{}, apperr.InvalidArgument(opList, "invalid_status", "status must be active or inactive")
	}

	query := s.db.WithContext(ctx).Model(&Log{}).Where("user_id = ?", ownerID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err, zap.String("user_id", ownerID))
		return ListPage{}, apperr.Internal(opList, "count_failed", err)
	}

	logs := make([]Log, 0, request.Limit)
	err := query.
		Order("created_at DESC").
		Order("log_id DESC").
		Limit(request.Limit).
		Offset(request.Offset()).
		Find(&logs).Error
	if err != nil {
		s.logError(opList, "select_failed", err, zap.String("user_id", ownerID))
		return ListPage{}, apperr.Internal(opList, "select_failed", err)
	}

	return ListPage{Logs: logs, Pagination: NewPagination(request, total)}, nil
}

// Authorize loads a log on behalf of its owner.
func (s *Service) Authorize(ctx context.Context, logID, requesterID string) (Log, error) {
	var log Log
	err := s.db.WithContext(ctx).Where("log_id = ?", strings.TrimSpace(logID)).Take(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Log{}, apperr.NotFound(opAuthorize, "log_not_found", "log not found")
	}
	if err != nil {
		s.logError(opAuthorize, "log_select_failed", err, zap.String("log_id", logID))
		return Log{}, apperr.Internal(opAuthorize, "log_select_failed", err)
	}
	if requesterID == "" || log.UserID != requesterID {
		return Log{}, apperr.Forbidden(opAuthorize, "not_owner", "you do not have access to this log")
	}
	return log, nil
}

// SetStatus switches a log between active and inactive.
func (s *Service) SetStatus(ctx context.Context, logID, requesterID, status string) (Log, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != StatusActive && status != StatusInactive {
		return Log{}, apperr.InvalidArgument(opSetStatus, "invalid_status", "status must be active or inactive")
	}
	log, err := s.Authorize(ctx, logID, requesterID)
	if err != nil {
		return Log{}, err
	}
	if log.Status == status {
		return log, nil
	}

	now := s.clock().UTC()
	err = s.db.WithContext(ctx).Model(&Log{}).
		Where("log_id = ?", log.LogID).
		Updates(map[string]any{"status": status, "updated_at": now}).Error
	if err != nil {
		s.logError(opSetStatus, "update_failed", err, zap.String("log_id", log.LogID))
		return Log{}, apperr.Internal(opSetStatus, "update_failed", err)
	}
	log.Status = status
	log.UpdatedAt = now
	return log, nil
}

// Delete removes a log with its fields, reviews and review values, then
// drops the stored photos of the deleted reviews.
func (s *Service) Delete(ctx context.Context, logID, requesterID string) error {
	log, err := s.Authorize(ctx, logID, requesterID)
	if err != nil {
		return err
	}

	var photoURLs []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reviewIDs := tx.Table("reviews").Select("review_id").Where("log_id = ?", log.LogID)
		if err := tx.Table("review_field_values").
			Where("review_id IN (?) AND file_url <> ''", reviewIDs).
			Pluck("file_url", &photoURLs).Error; err != nil {
			return apperr.Internal(opDelete, "photo_select_failed", err)
		}
		if err := tx.Exec("DELETE FROM review_field_values WHERE review_id IN (SELECT review_id FROM reviews WHERE log_id = ?)", log.LogID).Error; err != nil {
			return apperr.Internal(opDelete, "values_delete_failed", err)
		}
		if err := tx.Exec("DELETE FROM reviews WHERE log_id = ?", log.LogID).Error; err != nil {
			return apperr.Internal(opDelete, "reviews_delete_failed", err)
		}
		if err := tx.Where("log_id = ?", log.LogID).Delete(&LogField{}).Error; err != nil {
			return apperr.Internal(opDelete, "fields_delete_failed", err)
		}
		if err := tx.Where("log_id = ?", log.LogID).Delete(&Log{}).Error; err != nil {
			return apperr.Internal(opDelete, "log_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDelete, "transaction_failed", txErr, zap.String("log_id", log.LogID))
		return txErr
	}

	if s.photos != nil {
		for _, photoURL := range photoURLs {
			if err := s.photos.Delete(ctx, photoURL); err != nil {
				s.logger.Warn("photo cleanup failed",
					zap.String("log_id", log.LogID),
					zap.String("file_url", photoURL),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) validateCreate(input CreateInput) error {
	if err := s.validate.Struct(input); err != nil {
		return apperr.InvalidArgument(opCreate, "invalid_input", describeValidation(err))
	}

	seen := make(map[string]struct{}, len(input.Fields))
	enabled := 0
	for _, field := range input.Fields {
		key := strings.ToLower(field.Name)
		if _, exists := seen[key]; exists {
			return apperr.InvalidArgument(opCreate, "duplicate_field", fmt.Sprintf("field %q is listed more than once", field.Name))
		}
		seen[key] = struct{}{}
		if field.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return apperr.InvalidArgument(opCreate, "no_enabled_fields", "at least one field must be enabled")
	}
	return nil
}

func normalizeCreateInput(input CreateInput) CreateInput {
	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	fields := make([]FieldSpec, len(input.Fields))
	for index, field := range input.Fields {
		field.Name = strings.TrimSpace(field.Name)
		if strings.EqualFold(field.Name, ReviewerNameField) {
			field.Name = ReviewerNameField
		}
		field.Type = strings.ToLower(strings.TrimSpace(field.Type))
		fields[index] = field
	}
	input.Fields = fields
	return input
}

func resolveKind(spec FieldSpec) FieldKind {
	if kind, ok := ParseKind(spec.Type); ok {
		return kind
	}
	return InferKind(spec.Name)
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// describeValidation turns the first validator failure into one sentence.
func describeValidation(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return "request is invalid"
	}
	first := validationErrors[0]
	field := strings.TrimPrefix(first.Namespace(), "CreateInput.")
	switch first.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must contain at least %s entries", field, first.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, first.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, first.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
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
	s.logger.Error("logs service error", attrs...)
}
