package reviews

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/media"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "reviews.service.new"
	opSubmit     = "reviews.submit"
	opList       = "reviews.list"
	opGet        = "reviews.get"

	maxReviewerNameRunes  = 200
	maxFieldNameRunes     = 64
	maxUnconfiguredFields = 20
	unknownClientIP       = "unknown"

	DefaultRateLimit  = 20
	DefaultRateWindow = 24 * time.Hour
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLogs       = errors.New("log directory is required")
	noOpLogger           = zap.NewNop()
)

// LogDirectory is the part of the log engine the review services rely on.
type LogDirectory interface {
	GetActiveConfig(ctx context.Context, logID string) (logs.Config, error)
	Authorize(ctx context.Context, logID, requesterID string) (logs.Log, error)
}

// ServiceConfig describes the dependencies of the review pipeline.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider logs.IDProvider
	Logs       LogDirectory
	Limiter    Limiter
	Photos     media.Store
	RateLimit  int
	RateWindow time.Duration
	Logger     *zap.Logger
}

// Service accepts anonymous reviews and serves them to log owners.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider logs.IDProvider
	logs       LogDirectory
	limiter    Limiter
	photos     media.Store
	rateLimit  int64
	rateWindow time.Duration
	logger     *zap.Logger
}

// NewService constructs the review service. The limiter defaults to counting
// review rows.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Logs == nil {
		return nil, apperr.Internal(opServiceNew, "missing_logs", errMissingLogs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewDatabaseLimiter(cfg.Database)
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	rateWindow := cfg.RateWindow
	if rateWindow <= 0 {
		rateWindow = DefaultRateWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logs:       cfg.Logs,
		limiter:    limiter,
		photos:     cfg.Photos,
		rateLimit:  int64(rateLimit),
		rateWindow: rateWindow,
		logger:     logger,
	}, nil
}

// SubmitInput is one visitor submission. Values holds form or JSON values by
// field name; Files holds uploads for photo fields.
type SubmitInput struct {
	LogID    string
	ClientIP string
	Values   map[string][]string
	Files    map[string]media.Upload
}

// SubmitResult identifies the stored review.
type SubmitResult struct {
	ReviewID string `json:"review_id"`
}

type pendingValue struct {
	fieldName string
	value     string
	fileURL   string
}

// Submit validates a submission against the active configuration and stores
// the review, its values and the log counter update in one transaction.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	config, err := s.logs.GetActiveConfig(ctx, input.LogID)
	if err != nil {
		return SubmitResult{}, err
	}

	clientIP := strings.TrimSpace(input.ClientIP)
	if clientIP == "" {
		clientIP = unknownClientIP
	}
	now := s.clock().UTC()
	recent, err := s.limiter.Count(ctx, config.LogID, clientIP, now.Add(-s.rateWindow))
	if err != nil {
		s.logError(opSubmit, "rate_count_failed", err, zap.String("log_id", config.LogID))
		return SubmitResult{}, apperr.Internal(opSubmit, "rate_count_failed", err)
	}
	if recent >= s.rateLimit {
		return SubmitResult{}, apperr.RateLimited(opSubmit, "rate_limited", "too many reviews from this address, please try again later")
	}

	reviewerName, pending, err := s.prepareValues(config, input)
	if err != nil {
		return SubmitResult{}, err
	}

	stored, pending, err := s.storePhotos(ctx, config, input.Files, pending)
	if err != nil {
		return SubmitResult{}, err
	}

	reviewID, err := s.idProvider.NewID()
	if err != nil {
		s.discardPhotos(stored)
		s.logError(opSubmit, "id_generation_failed", err)
		return SubmitResult{}, apperr.Internal(opSubmit, "id_generation_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		review := Review{
			ReviewID:     reviewID,
			LogID:        config.LogID,
			ReviewerName: reviewerName,
			IPAddress:    clientIP,
			SubmittedAt:  now,
			Status:       StatusVisible,
		}
		if err := tx.Create(&review).Error; err != nil {
			return apperr.Internal(opSubmit, "review_insert_failed", err)
		}
		for _, value := range pending {
			row := ReviewFieldValue{
				ReviewID:   reviewID,
				FieldName:  value.fieldName,
				FieldValue: value.value,
				FileURL:    value.fileURL,
			}
			if err := tx.Create(&row).Error; err != nil {
				return apperr.Internal(opSubmit, "value_insert_failed", err)
			}
		}
		update := tx.Model(&logs.Log{}).
			Where("log_id = ? AND status = ?", config.LogID, logs.StatusActive).
			Updates(map[string]any{
				"total_reviews":  gorm.Expr("total_reviews + ?", 1),
				"last_review_at": now,
			})
		if update.Error != nil {
			return apperr.Internal(opSubmit, "counter_update_failed", update.Error)
		}
		if update.RowsAffected == 0 {
			return apperr.NotFound(opSubmit, "log_not_found", "log not found or inactive")
		}
		return nil
	})
	if txErr != nil {
		s.discardPhotos(stored)
		if apperr.KindOf(txErr) == apperr.KindInternal {
			s.logError(opSubmit, "transaction_failed", txErr, zap.String("log_id", config.LogID))
		}
		return SubmitResult{}, txErr
	}

	if err := s.limiter.Record(ctx, config.LogID, clientIP, reviewID, now); err != nil {
		s.logger.Warn("rate limiter record failed",
			zap.String("log_id", config.LogID),
			zap.String("review_id", reviewID),
			zap.Error(err))
	}
	return SubmitResult{ReviewID: reviewID}, nil
}

// prepareValues checks required fields and normalises every submitted value.
// Configured fields come first in display order, unconfigured ones follow
// sorted by name and are stored as opaque text.
func (s *Service) prepareValues(config logs.Config, input SubmitInput) (string, []pendingValue, error) {
	values := make(map[string][]string, len(input.Values))
	for name, submitted := range input.Values {
		name = canonicalFieldName(name)
		values[name] = append(values[name], submitted...)
	}

	var missing []string
	for _, field := range config.Fields {
		if !field.Required {
			continue
		}
		if field.Kind == logs.KindPhoto {
			if _, ok := input.Files[field.Name]; !ok {
				missing = append(missing, field.Name)
			}
			continue
		}
		if !hasContent(values[canonicalFieldName(field.Name)]) {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		return "", nil, apperr.InvalidArgument(opSubmit, "missing_required_fields",
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}

	reviewerName := strings.TrimSpace(strings.Join(values[logs.ReviewerNameField], " "))
	if utf8.RuneCountInString(reviewerName) > maxReviewerNameRunes {
		return "", nil, apperr.InvalidArgument(opSubmit, "invalid_name",
			fmt.Sprintf("name must be at most %d characters", maxReviewerNameRunes))
	}

	pending := make([]pendingValue, 0, len(values))
	for _, field := range config.Fields {
		if canonicalFieldName(field.Name) == logs.ReviewerNameField || field.Kind == logs.KindPhoto {
			continue
		}
		submitted, ok := values[field.Name]
		if !ok {
			continue
		}
		normalized, err := field.Kind.Normalize(submitted)
		if err != nil {
			return "", nil, apperr.InvalidArgument(opSubmit, "invalid_field_value",
				fmt.Sprintf("field %q: %v", field.Name, err))
		}
		pending = append(pending, pendingValue{fieldName: field.Name, value: normalized})
	}

	unconfigured := make([]string, 0)
	for name := range values {
		if name == "" || name == logs.ReviewerNameField {
			continue
		}
		if _, ok := config.Field(name); ok {
			continue
		}
		unconfigured = append(unconfigured, name)
	}
	if len(unconfigured) > maxUnconfiguredFields {
		return "", nil, apperr.InvalidArgument(opSubmit, "too_many_fields", "submission contains too many unknown fields")
	}
	sort.Strings(unconfigured)
	for _, name := range unconfigured {
		if utf8.RuneCountInString(name) > maxFieldNameRunes {
			return "", nil, apperr.InvalidArgument(opSubmit, "invalid_field_name",
				fmt.Sprintf("field names must be at most %d characters", maxFieldNameRunes))
		}
		normalized, err := logs.KindOpaque.Normalize(values[name])
		if err != nil {
			return "", nil, apperr.InvalidArgument(opSubmit, "invalid_field_value",
				fmt.Sprintf("field %q: %v", name, err))
		}
		pending = append(pending, pendingValue{fieldName: name, value: normalized})
	}
	return reviewerName, pending, nil
}

// storePhotos persists uploads for configured photo fields and splices their
// values into display order.
func (s *Service) storePhotos(ctx context.Context, config logs.Config, files map[string]media.Upload, pending []pendingValue) ([]media.StoredPhoto, []pendingValue, error) {
	if len(files) == 0 {
		return nil, pending, nil
	}

	var stored []media.StoredPhoto
	photoValues := make(map[string]pendingValue)
	for _, field := range config.Fields {
		if field.Kind != logs.KindPhoto {
			continue
		}
		upload, ok := files[field.Name]
		if !ok {
			continue
		}
		if s.photos == nil {
			return nil, nil, apperr.InvalidArgument(opSubmit, "photos_disabled", "photo uploads are not accepted")
		}
		photo, err := s.photos.Save(ctx, upload)
		if err != nil {
			s.discardPhotos(stored)
			if errors.Is(err, media.ErrUnsupportedImage) || errors.Is(err, media.ErrPhotoTooLarge) || errors.Is(err, media.ErrEmptyPhoto) {
				return nil, nil, apperr.InvalidArgument(opSubmit, "invalid_photo", fmt.Sprintf("field %q: %v", field.Name, err))
			}
			s.logError(opSubmit, "photo_store_failed", err, zap.String("log_id", config.LogID))
			return nil, nil, apperr.Internal(opSubmit, "photo_store_failed", err)
		}
		stored = append(stored, photo)
		fileName, err := logs.KindPhoto.Normalize([]string{photo.FileName})
		if err != nil {
			fileName = ""
		}
		photoValues[field.Name] = pendingValue{fieldName: field.Name, value: fileName, fileURL: photo.URL}
	}
	if len(photoValues) == 0 {
		return nil, pending, nil
	}

	ordered := make([]pendingValue, 0, len(pending)+len(photoValues))
	byName := make(map[string]pendingValue, len(pending))
	for _, value := range pending {
		byName[value.fieldName] = value
	}
	for _, field := range config.Fields {
		if value, ok := photoValues[field.Name]; ok {
			ordered = append(ordered, value)
			continue
		}
		if value, ok := byName[field.Name]; ok {
			ordered = append(ordered, value)
			delete(byName, field.Name)
		}
	}
	for _, value := range pending {
		if _, ok := byName[value.fieldName]; ok {
			ordered = append(ordered, value)
		}
	}
	return stored, ordered, nil
}

func (s *Service) discardPhotos(stored []media.StoredPhoto) {
	if s.photos == nil {
		return
	}
	for _, photo := range stored {
		if err := s.photos.Delete(context.Background(), photo.URL); err != nil {
			s.logger.Warn("photo cleanup failed", zap.String("file_url", photo.URL), zap.Error(err))
		}
	}
}

// ListPage is one page of a log's reviews.
type ListPage struct {
	Reviews    []ReviewView    `json:"reviews"`
	Pagination logs.Pagination `json:"pagination"`
}

// List returns the owner's reviews for a log, newest first.
func (s *Service) List(ctx context.Context, logID, requesterID string, request logs.PageRequest) (ListPage, error) {
	if err := request.Validate(opList); err != nil {
		return ListPage{}, err
	}
	status := strings.ToLower(strings.TrimSpace(request.Status))
	if status == "" {
		status = StatusVisible
	}
	if status != StatusVisible && status != StatusHidden {
		return ListPage{}, apperr.InvalidArgument(opList, "invalid_status", "status must be visible or hidden")
	}

	log, err := s.logs.Authorize(ctx, logID, requesterID)
	if err != nil {
		return ListPage{}, err
	}

	query := s.db.WithContext(ctx).Model(&Review{}).
		Where("log_id = ? AND status = ?", log.LogID, status).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err, zap.String("log_id", log.LogID))
		return ListPage{}, apperr.Internal(opList, "count_failed", err)
	}

	var rows []Review
	err = query.
		Order("submitted_at DESC").
		Order("review_id DESC").
		Limit(request.Limit).
		Offset(request.Offset()).
		Find(&rows).Error
	if err != nil {
		s.logError(opList, "select_failed", err, zap.String("log_id", log.LogID))
		return ListPage{}, apperr.Internal(opList, "select_failed", err)
	}

	views, err := s.attachValues(ctx, rows)
	if err != nil {
		s.logError(opList, "values_select_failed", err, zap.String("log_id", log.LogID))
		return ListPage{}, apperr.Internal(opList, "values_select_failed", err)
	}
	return ListPage{Reviews: views, Pagination: logs.NewPagination(request, total)}, nil
}

// Get returns one review of a log owned by the requester.
func (s *Service) Get(ctx context.Context, logID, reviewID, requesterID string) (ReviewView, error) {
	log, err := s.logs.Authorize(ctx, logID, requesterID)
	if err != nil {
		return ReviewView{}, err
	}

	var review Review
	err = s.db.WithContext(ctx).
		Where("review_id = ? AND log_id = ?", strings.TrimSpace(reviewID), log.LogID).
		Take(&review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReviewView{}, apperr.NotFound(opGet, "review_not_found", "review not found")
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("log_id", log.LogID), zap.String("review_id", reviewID))
		return ReviewView{}, apperr.Internal(opGet, "select_failed", err)
	}

	views, err := s.attachValues(ctx, []Review{review})
	if err != nil {
		s.logError(opGet, "values_select_failed", err, zap.String("review_id", reviewID))
		return ReviewView{}, apperr.Internal(opGet, "values_select_failed", err)
	}
	return views[0], nil
}

func (s *Service) attachValues(ctx context.Context, rows []Review) ([]ReviewView, error) {
	views := make([]ReviewView, 0, len(rows))
	if len(rows) == 0 {
		return views, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ReviewID)
	}
	var values []ReviewFieldValue
	err := s.db.WithContext(ctx).
		Where("review_id IN ?", ids).
		Order("value_id ASC").
		Find(&values).Error
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]FieldValue, len(rows))
	for _, value := range values {
		grouped[value.ReviewID] = append(grouped[value.ReviewID], FieldValue{
			FieldName:  value.FieldName,
			FieldValue: value.FieldValue,
			FileURL:    value.FileURL,
		})
	}
	for _, row := range rows {
		fields := grouped[row.ReviewID]
		if fields == nil {
			fields = []FieldValue{}
		}
		views = append(views, ReviewView{
			ReviewID:     row.ReviewID,
			LogID:        row.LogID,
			ReviewerName: row.ReviewerName,
			SubmittedAt:  row.SubmittedAt,
			Status:       row.Status,
			Fields:       fields,
		})
	}
	return views, nil
}

func canonicalFieldName(name string) string {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, logs.ReviewerNameField) {
		return logs.ReviewerNameField
	}
	return name
}

func hasContent(values []string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
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
	s.logger.Error("reviews service error", attrs...)
}
