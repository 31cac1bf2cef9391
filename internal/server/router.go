package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/logqr/internal/auth"
	"github.com/MarcoPoloResearchLab/logqr/internal/logs"
	"github.com/MarcoPoloResearchLab/logqr/internal/reviews"
	"github.com/MarcoPoloResearchLab/logqr/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	identityContextKey    = "logqr_identity"
	defaultMaxUploadBytes = 10 << 20
	multipartOverhead     = 1 << 20
	maxReviewJSONBytes    = 1 << 20
)

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingUsers         = errors.New("user registry dependency required")
	errMissingLogs          = errors.New("log service dependency required")
	errMissingReviews       = errors.New("review service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// IdentityVerifier validates bearer ID tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// UserRegistry records verified sign-ins.
type UserRegistry interface {
	Upsert(ctx context.Context, identity auth.Identity) (users.User, error)
}

// LogService is the log configuration engine as used over HTTP.
type LogService interface {
	Create(ctx context.Context, owner auth.Identity, input logs.CreateInput) (logs.CreateResult, error)
	GetActiveConfig(ctx context.Context, logID string) (logs.Config, error)
	List(ctx context.Context, ownerID string, request logs.PageRequest) (logs.ListPage, error)
	SetStatus(ctx context.Context, logID, requesterID, status string) (logs.Log, error)
	Delete(ctx context.Context, logID, requesterID string) error
}

// ReviewService is the review pipeline and query service as used over HTTP.
type ReviewService interface {
	Submit(ctx context.Context, input reviews.SubmitInput) (reviews.SubmitResult, error)
	List(ctx context.Context, logID, requesterID string, request logs.PageRequest) (reviews.ListPage, error)
	Get(ctx context.Context, logID, reviewID, requesterID string) (reviews.ReviewView, error)
}

// Uploads serves locally stored photos.
type Uploads struct {
	Dir       string
	URLPrefix string
}

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	Verifier       IdentityVerifier
	Users          UserRegistry
	Logs           LogService
	Reviews        ReviewService
	Uploads        *Uploads
	AllowedOrigins []string
	TrustedProxies []string
	MaxUploadBytes int64
	Development    bool
	Logger         *zap.Logger
}

// NewHTTPHandler wires the API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Logs == nil {
		return nil, errMissingLogs
	}
	if deps.Reviews == nil {
		return nil, errMissingReviews
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.MaxMultipartMemory = maxUploadBytes
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}

	handler := &httpHandler{
		verifier:       deps.Verifier,
		users:          deps.Users,
		logs:           deps.Logs,
		reviews:        deps.Reviews,
		maxUploadBytes: maxUploadBytes,
		development:    deps.Development,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Uploads != nil && deps.Uploads.Dir != "" {
		router.Static(deps.Uploads.URLPrefix, deps.Uploads.Dir)
	}

	api := router.Group("/api")
	api.GET("/logs/:logId/config", handler.handleGetConfig)
	api.POST("/logs/:logId/reviews", handler.handleSubmitReview)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/verify", handler.handleVerify)
	protected.POST("/logs", handler.handleCreateLog)
	protected.GET("/logs", handler.handleListLogs)
	protected.PATCH("/logs/:logId", handler.handleSetLogStatus)
	protected.DELETE("/logs/:logId", handler.handleDeleteLog)
	protected.GET("/logs/:logId/reviews", handler.handleListReviews)
	protected.GET("/logs/:logId/reviews/:reviewId", handler.handleGetReview)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	verifier       IdentityVerifier
	users          UserRegistry
	logs           LogService
	reviews        ReviewService
	maxUploadBytes int64
	development    bool
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error(), "code": "auth.missing_token"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error(), "code": "auth.missing_token"})
		return
	}
	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token", "code": "auth.invalid_token"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}
