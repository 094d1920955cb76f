// Package gateway exposes the catalog's write and query operations over
// HTTP/JSON and streams bus events over a websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-diary/internal/bus"
	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/validate"
)

const defaultMaxBodyBytes = 8 << 20

// SweepFunc runs a configured sweep by name.
type SweepFunc func(ctx context.Context, name string) error

type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Validator *validate.Validator
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	// APIToken, when set, is required on every /api route.
	APIToken  string
	RateLimit config.RateLimitConfig
	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty means same-origin only.
	AllowOrigins []string

	// DeletionMode applies to DELETE requests that name no mode.
	DeletionMode persistence.DeletionType
	// PendingLinkTimeout is the default age for the stale link listing.
	PendingLinkTimeout time.Duration
	MaxBodyBytes       int64

	// ConfigFingerprint and Version are reported by /healthz.
	ConfigFingerprint string
	Version           string

	RunSweep SweepFunc
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
	engine  *gin.Engine
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.Validator == nil {
		v, err := validate.New()
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.DeletionMode == "" {
		cfg.DeletionMode = persistence.DeletionSoft
	}
	if cfg.PendingLinkTimeout <= 0 {
		cfg.PendingLinkTimeout = 30 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// StartEviction drops idle rate limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware(), NewCORSMiddleware(s.cfg.AllowOrigins))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/ws/events", NewAuthMiddleware(s.cfg.APIToken), s.handleEvents)

	api := r.Group("/api/v1", NewAuthMiddleware(s.cfg.APIToken), s.limiter.Handle, limitBody(s.cfg.MaxBodyBytes))
	{
		api.POST("/accounts", s.handleUpsertAccount)
		api.GET("/accounts", s.handleListAccounts)
		api.DELETE("/accounts/:id", s.handleDeleteAccount)

		api.POST("/items", s.handleIngest)
		api.GET("/items", s.handleListItems)
		api.GET("/items/:id", s.handleGetItem)
		api.DELETE("/items/:id", s.handleDeleteItem)
		api.POST("/items/:id/restore", s.handleRestore)
		api.PUT("/items/:id/status", s.handleSetStatus)
		api.PUT("/items/:id/duplicate_of", s.handleSetDuplicate)
		api.GET("/items/:id/events", s.handleItemEvents)
		api.PUT("/items/:id/email", s.handleEmailSidecar)
		api.PUT("/items/:id/drive", s.handleDriveSidecar)
		api.POST("/items/:id/files", s.handleAttachFile)
		api.GET("/items/:id/files", s.handleListFiles)
		api.POST("/items/:id/tags", s.handleAssignTags)
		api.DELETE("/items/:id/tags/:name", s.handleUnassignTag)
		api.POST("/items/:id/links", s.handleRecordLink)
		api.GET("/items/:id/links", s.handleItemLinks)
		api.GET("/items/:id/calendar", s.handleEventsForItem)
		api.GET("/items/:id/estimate", s.handleEstimateCost)
		api.DELETE("/files/:id", s.handleDeleteFile)
		api.GET("/tags", s.handleListTags)
		api.GET("/trash", s.handleTrash)
		api.GET("/events", s.handleListEvents)

		api.GET("/links/stale", s.handleStaleLinks)
		api.GET("/links/:id", s.handleGetLink)
		api.PATCH("/links/:id", s.handleUpdateLink)

		api.PUT("/calendar/events", s.handleUpsertCalendarEvent)
		api.GET("/calendar/events", s.handleSearchCalendarEvents)
		api.GET("/calendar/events/:id", s.handleGetCalendarEvent)
		api.GET("/calendar/events/:id/items", s.handleItemsForEvent)
		api.GET("/diary", s.handleDiaryCalendar)

		api.GET("/search", s.handleSearch)
		api.GET("/fuzzy", s.handleFuzzy)
		api.GET("/canonical", s.handleCanonical)

		api.POST("/usage", s.handleRecordUsage)
		api.GET("/usage", s.handleListUsage)
		api.GET("/costs", s.handleCostReport)

		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:name", s.handleGetSession)
		api.POST("/sessions/:name/items", s.handleAddSessionItem)
		api.GET("/sessions/:name/items", s.handleSessionItems)

		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.POST("/sweeps/:name/run", s.handleRunSweep)
	}
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	dbOK := s.cfg.Store.DB().PingContext(c.Request.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     s.cfg.Store.SchemaVersion(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"version":            s.cfg.Version,
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeError maps the store's error taxonomy to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	body := errorBody{Message: err.Error()}
	var ve *persistence.ValidationError
	switch {
	case errors.As(err, &ve):
		status, code = http.StatusBadRequest, "validation"
		body.Field = ve.Field
	case errors.Is(err, persistence.ErrReference):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, persistence.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, persistence.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, persistence.ErrPartialSweep):
		status, code = http.StatusMultiStatus, "partial_sweep"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		body.Message = "internal error"
	}
	body.Code = code
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// decode reads the request body and validates it against a schema.
func (s *Server) decode(c *gin.Context, schema string, dst any) bool {
	raw, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": errorBody{Code: "too_large", Message: err.Error()}})
			return false
		}
		s.writeError(c, &persistence.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := s.cfg.Validator.Decode(schema, raw, dst); err != nil {
		s.writeError(c, err)
		return false
	}
	return true
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, &persistence.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not RFC 3339 or YYYY-MM-DD", raw)}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &persistence.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a non-negative integer", raw)}
	}
	return n, nil
}

func queryBool(c *gin.Context, key string) (bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &persistence.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a boolean", raw)}
	}
	return v, nil
}

func (s *Server) itemFilter(c *gin.Context) (persistence.ItemFilter, error) {
	var f persistence.ItemFilter
	var err error
	f.Provider = persistence.Provider(c.Query("provider"))
	f.Kind = persistence.ItemKind(c.Query("kind"))
	f.Status = persistence.ItemStatus(c.Query("status"))
	f.AccountID = c.Query("account_id")
	if f.From, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	if f.IncludeDeleted, err = queryBool(c, "include_deleted"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}
