package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/validate"
)

type linkBody struct {
	ParseModel      string   `json:"parse_model"`
	ParseConfidence *float64 `json:"parse_confidence"`
	ParseTokens     int      `json:"parse_tokens"`
	ParseCostUSD    float64  `json:"parse_cost_usd"`
	ParsedBlobID    string   `json:"parsed_blob_id"`
}

func (s *Server) handleRecordLink(c *gin.Context) {
	var body linkBody
	if !s.decode(c, validate.Link, &body) {
		return
	}
	ctx := c.Request.Context()
	id, err := s.cfg.Store.RecordCalendarLink(ctx, c.Param("id"), persistence.ParseMetadata{
		Model:        body.ParseModel,
		Confidence:   body.ParseConfidence,
		Tokens:       body.ParseTokens,
		CostUSD:      body.ParseCostUSD,
		ParsedBlobID: body.ParsedBlobID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	link, err := s.cfg.Store.GetCalendarLink(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

type linkUpdateBody struct {
	Status         persistence.LinkStatus `json:"status"`
	EventID        string                 `json:"event_id"`
	HTMLLink       string                 `json:"html_link"`
	Error          string                 `json:"error"`
	ResponseBlobID string                 `json:"response_blob_id"`
}

func (s *Server) handleUpdateLink(c *gin.Context) {
	var body linkUpdateBody
	if !s.decode(c, validate.LinkUpdate, &body) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.cfg.Store.UpdateLinkStatus(ctx, id, persistence.LinkUpdate(body)); err != nil {
		s.writeError(c, err)
		return
	}
	link, err := s.cfg.Store.GetCalendarLink(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) handleGetLink(c *gin.Context) {
	link, err := s.cfg.Store.GetCalendarLink(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) handleItemLinks(c *gin.Context) {
	links, err := s.cfg.Store.ItemLinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

// handleStaleLinks lists pending links older than ?older_than, defaulting to
// the configured pending link timeout.
func (s *Server) handleStaleLinks(c *gin.Context) {
	olderThan := s.cfg.PendingLinkTimeout
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(c, &persistence.ValidationError{Field: "older_than", Reason: "not a non-negative duration"})
			return
		}
		olderThan = d
	}
	links, err := s.cfg.Store.StalePendingLinks(c.Request.Context(), olderThan)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

type calendarEventBody struct {
	persistence.CalendarEvent
	Payload json.RawMessage `json:"payload"`
}

// handleUpsertCalendarEvent caches a provider event. A stale copy, by
// sequence then provider update time, is reported as not applied.
func (s *Server) handleUpsertCalendarEvent(c *gin.Context) {
	var body calendarEventBody
	if !s.decode(c, validate.CalendarEvent, &body) {
		return
	}
	ctx := c.Request.Context()
	ev := body.CalendarEvent
	if len(body.Payload) > 0 {
		id, err := s.cfg.Store.PutBlob(ctx, persistence.ProviderGCal, body.Payload)
		if err != nil {
			s.writeError(c, err)
			return
		}
		ev.BlobID = id
	}
	applied, err := s.cfg.Store.UpsertCalendarEvent(ctx, ev)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": ev.EventID, "applied": applied})
}

func (s *Server) handleGetCalendarEvent(c *gin.Context) {
	ev, err := s.cfg.Store.GetCalendarEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleSearchCalendarEvents(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		s.writeError(c, err)
		return
	}
	events, err := s.cfg.Store.SearchCalendarEvents(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleItemsForEvent(c *gin.Context) {
	rows, err := s.cfg.Store.ItemsForEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

func (s *Server) handleEventsForItem(c *gin.Context) {
	rows, err := s.cfg.Store.EventsForItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

func (s *Server) handleDiaryCalendar(c *gin.Context) {
	f := persistence.CombinedFilter{ItemID: c.Query("item_id"), EventID: c.Query("event_id")}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		s.writeError(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		s.writeError(c, err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		s.writeError(c, err)
		return
	}
	rows, err := s.cfg.Store.DiaryCalendar(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

type usageBody struct {
	ItemID           string   `json:"item_id"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	Operation        string   `json:"operation"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          *float64 `json:"cost_usd"`
	Success          *bool    `json:"success"`
	ErrorMessage     string   `json:"error_message"`
}

// handleRecordUsage stores one model call. Success defaults to true when the
// body carries no error message.
func (s *Server) handleRecordUsage(c *gin.Context) {
	var body usageBody
	if !s.decode(c, validate.Usage, &body) {
		return
	}
	success := body.ErrorMessage == ""
	if body.Success != nil {
		success = *body.Success
	}
	id, err := s.cfg.Store.RecordUsage(c.Request.Context(), persistence.UsageInput{
		ItemID:           body.ItemID,
		Provider:         body.Provider,
		Model:            body.Model,
		Operation:        body.Operation,
		PromptTokens:     body.PromptTokens,
		CompletionTokens: body.CompletionTokens,
		TotalTokens:      body.TotalTokens,
		CostUSD:          body.CostUSD,
		Success:          success,
		ErrorMessage:     body.ErrorMessage,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"usage_id": id})
}

func (s *Server) usageRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := queryTime(c, "from")
	if err != nil {
		s.writeError(c, err)
		return time.Time{}, time.Time{}, false
	}
	to, err := queryTime(c, "to")
	if err != nil {
		s.writeError(c, err)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (s *Server) handleListUsage(c *gin.Context) {
	from, to, ok := s.usageRange(c)
	if !ok {
		return
	}
	rows, err := s.cfg.Store.ListUsage(c.Request.Context(), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

func (s *Server) handleCostReport(c *gin.Context) {
	from, to, ok := s.usageRange(c)
	if !ok {
		return
	}
	group, err := persistence.ParseCostGrouping(c.Query("group_by"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	rows, err := s.cfg.Store.CostReport(c.Request.Context(), from, to, group)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": group, "rows": rows})
}

func (s *Server) handleEstimateCost(c *gin.Context) {
	completion, err := queryInt(c, "completion_tokens", 500)
	if err != nil {
		s.writeError(c, err)
		return
	}
	est, err := s.cfg.Store.EstimateItemCost(c.Request.Context(), c.Param("id"), c.Query("model"), completion)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

func (s *Server) handleSearch(c *gin.Context) {
	start := time.Now()
	field, err := persistence.ParseSearchField(c.Query("field"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	q := persistence.SearchQuery{Query: c.Query("q"), Field: field, Language: c.Query("lang")}
	if q.IncludeDeleted, err = queryBool(c, "include_deleted"); err != nil {
		s.writeError(c, err)
		return
	}
	if q.Limit, err = queryInt(c, "limit", 20); err != nil {
		s.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	hits, err := s.cfg.Store.Search(ctx, q)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SearchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrField.String(string(field))))
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

func (s *Server) handleFuzzy(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		s.writeError(c, err)
		return
	}
	hits, err := s.cfg.Store.FuzzyMatch(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

func (s *Server) handleCanonical(c *gin.Context) {
	f, err := s.itemFilter(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	groups, err := s.cfg.Store.CanonicalItems(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}
