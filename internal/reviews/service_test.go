package reviews

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/apperr"
	"github.com/MarcoPoloResearchLab/logqr/internal/auth"
	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/media"
	"github.com/MarcoPoloResearchLab/logqr/internal/qrcode"
	"github.com/MarcoPoloResearchLab/logqr/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so submissions have distinct timestamps.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

type recordingPhotoStore struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
}

func (s *recordingPhotoStore) Save(_ context.Context, upload media.Upload) (media.StoredPhoto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := fmt.Sprintf("/uploads/photo-%d.jpg", len(s.saved)+1)
	s.saved = append(s.saved, url)
	return media.StoredPhoto{URL: url, Key: url, FileName: upload.FileName}, nil
}

func (s *recordingPhotoStore) Delete(_ context.Context, fileURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, fileURL)
	return nil
}

type testEnv struct {
	db      *gorm.DB
	clock   *testClock
	logs    *logs.Service
	reviews *Service
	photos  *recordingPhotoStore
}

func newTestEnv(t *testing.T, rateLimit int) testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:reviews_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.User{}, &logs.Log{}, &logs.LogField{}, &Review{}, &ReviewFieldValue{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("users.NewService: %v", err)
	}
	generator, err := qrcode.NewGenerator("https://logqr.example.com", 64)
	if err != nil {
		t.Fatalf("qrcode.NewGenerator: %v", err)
	}
	photos := &recordingPhotoStore{}
	logService, err := logs.NewService(logs.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: logs.NewUUIDProvider(),
		QRCodes:    generator,
		Users:      userService,
		Photos:     photos,
	})
	if err != nil {
		t.Fatalf("logs.NewService: %v", err)
	}
	reviewService, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: logs.NewUUIDProvider(),
		Logs:       logService,
		Photos:     photos,
		RateLimit:  rateLimit,
		RateWindow: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return testEnv{db: db, clock: clock, logs: logService, reviews: reviewService, photos: photos}
}

func boolPtr(value bool) *bool {
	return &value
}

var owner = auth.Identity{Subject: "owner-1", Email: "owner@example.com", Name: "Owner"}

func (e testEnv) createLog(t *testing.T, identity auth.Identity, fields []logs.FieldSpec) string {
	t.Helper()
	result, err := e.logs.Create(context.Background(), identity, logs.CreateInput{Title: "Café", Fields: fields})
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	return result.LogID
}

func defaultFields() []logs.FieldSpec {
	return []logs.FieldSpec{
		{Name: "name", Required: true},
		{Name: "photo"},
		{Name: "review", Required: true},
		{Name: "note"},
	}
}

func (e testEnv) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func (e testEnv) loadLog(t *testing.T, logID string) logs.Log {
	t.Helper()
	var log logs.Log
	if err := e.db.Where("log_id = ?", logID).Take(&log).Error; err != nil {
		t.Fatalf("load log: %v", err)
	}
	return log
}

func TestSubmitStoresReviewInDisplayOrder(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, []logs.FieldSpec{
		{Name: "name", Required: true},
		{Name: "review", Required: true},
		{Name: "tags", Type: "multiselect"},
		{Name: "wait", Type: "duration"},
		{Name: "note"},
	})

	result, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values: map[string][]string{
			"zeta":   {"extra"},
			"note":   {" quiet place "},
			"name":   {"Ann"},
			"wait":   {"1h15m"},
			"tags":   {`["coffee", " ", "cake"]`},
			"review": {"Great latte"},
			"alpha":  {"first unknown"},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view, err := env.reviews.Get(context.Background(), logID, result.ReviewID, owner.Subject)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.ReviewerName != "Ann" || view.Status != StatusVisible {
		t.Fatalf("unexpected review %+v", view)
	}

	expected := []FieldValue{
		{FieldName: "review", FieldValue: "Great latte"},
		{FieldName: "tags", FieldValue: `["coffee","cake"]`},
		{FieldName: "wait", FieldValue: `{"hours":1,"minutes":15}`},
		{FieldName: "note", FieldValue: "quiet place"},
		{FieldName: "alpha", FieldValue: "first unknown"},
		{FieldName: "zeta", FieldValue: "extra"},
	}
	if len(view.Fields) != len(expected) {
		t.Fatalf("expected %d values, got %+v", len(expected), view.Fields)
	}
	for index, value := range expected {
		if view.Fields[index] != value {
			t.Fatalf("value %d: expected %+v, got %+v", index, value, view.Fields[index])
		}
	}

	log := env.loadLog(t, logID)
	if log.TotalReviews != 1 || log.LastReviewAt == nil {
		t.Fatalf("expected counter bump, got total=%d last=%v", log.TotalReviews, log.LastReviewAt)
	}
}

func TestSubmitMatchesReviewerNameInAnyCase(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, []logs.FieldSpec{
		{Name: "Name", Required: true},
		{Name: "review", Required: true},
	})

	config, err := env.logs.GetActiveConfig(context.Background(), logID)
	if err != nil {
		t.Fatalf("GetActiveConfig: %v", err)
	}
	if config.Fields[0].Name != logs.ReviewerNameField {
		t.Fatalf("expected canonical reviewer field, got %q", config.Fields[0].Name)
	}

	result, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"NAME": {"Ann"}, "review": {"Lovely"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := env.reviews.Get(context.Background(), logID, result.ReviewID, owner.Subject)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.ReviewerName != "Ann" {
		t.Fatalf("expected reviewer name Ann, got %q", view.ReviewerName)
	}
	if len(view.Fields) != 1 || view.Fields[0].FieldName != "review" {
		t.Fatalf("expected only the review value, got %+v", view.Fields)
	}
}

func TestSubmitRejectsMissingRequiredFields(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, defaultFields())

	_, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"name": {"  "}, "note": {"hello"}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if !strings.Contains(err.(*apperr.Error).Message(), "name, review") {
		t.Fatalf("expected message to name missing fields, got %q", err.(*apperr.Error).Message())
	}
	if env.countRows(t, &Review{}) != 0 || env.countRows(t, &ReviewFieldValue{}) != 0 {
		t.Fatalf("expected nothing to be stored")
	}
}

func TestSubmitRejectsInvalidKindValues(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, []logs.FieldSpec{{Name: "wait", Type: "duration", Required: true}})

	_, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"wait": {"forever"}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSubmitUnknownOrInactiveLog(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	_, err := env.reviews.Submit(context.Background(), SubmitInput{LogID: "missing", ClientIP: "10.0.0.1"})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for missing log, got %v", err)
	}

	logID := env.createLog(t, owner, defaultFields())
	if _, err := env.logs.SetStatus(context.Background(), logID, owner.Subject, logs.StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, err = env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"name": {"Ann"}, "review": {"ok"}},
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for inactive log, got %v", err)
	}
}

func TestSubmitRateLimitsPerAddress(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, defaultFields())
	submit := func(ip string) error {
		_, err := env.reviews.Submit(context.Background(), SubmitInput{
			LogID:    logID,
			ClientIP: ip,
			Values:   map[string][]string{"name": {"Ann"}, "review": {"ok"}},
		})
		return err
	}

	for attempt := 0; attempt < DefaultRateLimit; attempt++ {
		if err := submit("10.0.0.1"); err != nil {
			t.Fatalf("submission %d failed: %v", attempt+1, err)
		}
	}
	if err := submit("10.0.0.1"); !apperr.Is(err, apperr.KindRateLimited) {
		t.Fatalf("expected rate limit on submission %d, got %v", DefaultRateLimit+1, err)
	}
	if err := submit("10.0.0.2"); err != nil {
		t.Fatalf("other address should not be limited: %v", err)
	}

	env.clock.Advance(24*time.Hour + time.Minute)
	if err := submit("10.0.0.1"); err != nil {
		t.Fatalf("submission outside the window should pass: %v", err)
	}
	if total := env.loadLog(t, logID).TotalReviews; total != int64(DefaultRateLimit+2) {
		t.Fatalf("expected %d reviews, got %d", DefaultRateLimit+2, total)
	}
}

func TestSubmitIsAtomic(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, defaultFields())

	var valueInserts atomic.Int32
	err := env.db.Callback().Create().Before("gorm:create").Register("test:fail_third_value", func(tx *gorm.DB) {
		if tx.Statement.Table == "review_field_values" && valueInserts.Add(1) == 3 {
			_ = tx.AddError(errors.New("injected value insert failure"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err = env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values: map[string][]string{
			"name":   {"Ann"},
			"review": {"ok"},
			"note":   {"n"},
			"extra":  {"x"},
		},
		Files: map[string]media.Upload{"photo": {FileName: "latte.jpg", Content: strings.NewReader("ignored")}},
	})
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if env.countRows(t, &Review{}) != 0 || env.countRows(t, &ReviewFieldValue{}) != 0 {
		t.Fatalf("expected review and values to be rolled back")
	}
	log := env.loadLog(t, logID)
	if log.TotalReviews != 0 || log.LastReviewAt != nil {
		t.Fatalf("expected counter untouched, got %d", log.TotalReviews)
	}
	if len(env.photos.saved) != 1 || len(env.photos.deleted) != 1 || env.photos.deleted[0] != env.photos.saved[0] {
		t.Fatalf("expected stored photo to be discarded, saved=%v deleted=%v", env.photos.saved, env.photos.deleted)
	}
}

func TestSubmitStoresPhotoReference(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, []logs.FieldSpec{
		{Name: "name"},
		{Name: "photo", Required: true},
		{Name: "review"},
	})

	_, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"review": {"nice"}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected missing photo to be rejected, got %v", err)
	}

	result, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"review": {"nice"}},
		Files:    map[string]media.Upload{"photo": {FileName: "latte.jpg", Content: strings.NewReader("bytes")}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := env.reviews.Get(context.Background(), logID, result.ReviewID, owner.Subject)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(view.Fields) != 2 {
		t.Fatalf("unexpected fields %+v", view.Fields)
	}
	photo := view.Fields[0]
	if photo.FieldName != "photo" || photo.FileURL != "/uploads/photo-1.jpg" || photo.FieldValue != "latte.jpg" {
		t.Fatalf("unexpected photo value %+v", photo)
	}
	if view.ReviewerName != "" {
		t.Fatalf("expected anonymous reviewer, got %q", view.ReviewerName)
	}

	if err := env.logs.Delete(context.Background(), logID, owner.Subject); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(env.photos.deleted) != 1 || env.photos.deleted[0] != "/uploads/photo-1.jpg" {
		t.Fatalf("expected photo cleanup after delete, got %v", env.photos.deleted)
	}
	if env.countRows(t, &Review{}) != 0 || env.countRows(t, &ReviewFieldValue{}) != 0 {
		t.Fatalf("expected reviews to be deleted with the log")
	}
}

func TestListPaginatesNewestFirst(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	logID := env.createLog(t, owner, defaultFields())
	var submitted []string
	for index := 0; index < 25; index++ {
		result, err := env.reviews.Submit(context.Background(), SubmitInput{
			LogID:    logID,
			ClientIP: fmt.Sprintf("10.0.1.%d", index),
			Values:   map[string][]string{"name": {fmt.Sprintf("Guest %d", index)}, "review": {"ok"}},
		})
		if err != nil {
			t.Fatalf("submit %d: %v", index, err)
		}
		submitted = append(submitted, result.ReviewID)
	}

	first, err := env.reviews.List(context.Background(), logID, owner.Subject, logs.PageRequest{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first.Reviews) != 10 || first.Pagination.TotalPages != 3 || first.Pagination.TotalRecords != 25 || first.Pagination.CurrentPage != 1 {
		t.Fatalf("unexpected first page: %d reviews, %+v", len(first.Reviews), first.Pagination)
	}
	if first.Reviews[0].ReviewID != submitted[24] {
		t.Fatalf("expected newest review first")
	}
	if len(first.Reviews[0].Fields) != 1 || first.Reviews[0].Fields[0].FieldName != "review" {
		t.Fatalf("expected review values attached, got %+v", first.Reviews[0].Fields)
	}

	last, err := env.reviews.List(context.Background(), logID, owner.Subject, logs.PageRequest{Page: 3, Limit: 10})
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(last.Reviews) != 5 || last.Reviews[4].ReviewID != submitted[0] {
		t.Fatalf("unexpected last page: %d reviews", len(last.Reviews))
	}

	emptyLog := env.createLog(t, owner, defaultFields())
	empty, err := env.reviews.List(context.Background(), emptyLog, owner.Subject, logs.PageRequest{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("List empty: %v", err)
	}
	if empty.Pagination.TotalPages != 0 || empty.Pagination.TotalRecords != 0 || len(empty.Reviews) != 0 {
		t.Fatalf("unexpected empty page %+v", empty.Pagination)
	}
}

func TestListValidatesPageBeforeQuerying(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	for _, request := range []logs.PageRequest{{Page: 0, Limit: 10}, {Page: 1, Limit: 0}, {Page: 1, Limit: 101}, {Page: 1, Limit: 10, Status: "deleted"}} {
		if _, err := env.reviews.List(context.Background(), "missing", owner.Subject, request); !apperr.Is(err, apperr.KindInvalidArgument) {
			t.Fatalf("expected invalid argument for %+v, got %v", request, err)
		}
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	other := auth.Identity{Subject: "owner-2", Email: "other@example.com"}
	logA := env.createLog(t, owner, defaultFields())
	logB := env.createLog(t, other, defaultFields())

	result, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logB,
		ClientIP: "10.0.0.1",
		Values:   map[string][]string{"name": {"Ann"}, "review": {"ok"}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := env.reviews.List(context.Background(), logB, owner.Subject, logs.PageRequest{Page: 1, Limit: 10}); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden list, got %v", err)
	}
	if _, err := env.reviews.Get(context.Background(), logB, result.ReviewID, owner.Subject); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden get, got %v", err)
	}
	if err := env.logs.Delete(context.Background(), logB, owner.Subject); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden delete, got %v", err)
	}
	if _, err := env.reviews.Get(context.Background(), logA, result.ReviewID, owner.Subject); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected review of another log to be hidden, got %v", err)
	}
	if env.countRows(t, &Review{}) != 1 {
		t.Fatalf("expected review to survive rejected delete")
	}
}

func TestSubmitRejectsUndecodablePhotoWithRealStore(t *testing.T) {
	env := newTestEnv(t, DefaultRateLimit)
	store, err := media.NewLocalStore(t.TempDir(), "/uploads", media.Normalizer{MaxEdge: 32})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	env.reviews.photos = store
	logID := env.createLog(t, owner, []logs.FieldSpec{{Name: "photo", Required: true}})

	_, err = env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Files:    map[string]media.Upload{"photo": {FileName: "notes.txt", Content: strings.NewReader("not an image")}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid photo, got %v", err)
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, image.NewRGBA(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if _, err := env.reviews.Submit(context.Background(), SubmitInput{
		LogID:    logID,
		ClientIP: "10.0.0.1",
		Files:    map[string]media.Upload{"photo": {FileName: "square.png", Content: &encoded}},
	}); err != nil {
		t.Fatalf("expected png to be accepted: %v", err)
	}
}
