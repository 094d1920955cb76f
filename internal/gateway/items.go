package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-diary/internal/audit"
	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
	"github.com/basket/go-diary/internal/validate"
)

type ingestBody struct {
	Provider         persistence.Provider    `json:"provider"`
	ExternalID       string                  `json:"external_id"`
	ExternalThreadID *string                 `json:"external_thread_id"`
	AccountID        string                  `json:"account_id"`
	RunID            string                  `json:"run_id"`
	OccurredAt       time.Time               `json:"occurred_at"`
	Kind             persistence.ItemKind    `json:"kind"`
	ContentLanguage  *string                 `json:"content_language"`
	Status           *persistence.ItemStatus `json:"status"`
	Title            *string                 `json:"title"`
	Subject          *string                 `json:"subject"`
	ContentText      *string                 `json:"content_text"`
	SummaryText      *string                 `json:"summary_text"`
	ContentHash      *string                 `json:"content_hash"`
	BlobID           string                  `json:"blob_id"`
	Bytes            *int64                  `json:"bytes"`
	Payload          json.RawMessage         `json:"payload"`
	Tags             []string                `json:"tags"`
}

type ingestResponse struct {
	persistence.IngestResult
	Tags []string `json:"tags,omitempty"`
}

// handleIngest upserts one item. A raw provider payload is stored as a blob
// in the same transaction, so a rejected item leaves no blob behind.
func (s *Server) handleIngest(c *gin.Context) {
	var body ingestBody
	if !s.decode(c, validate.Item, &body) {
		return
	}
	ctx := c.Request.Context()
	res, err := s.cfg.Store.IngestItem(ctx, persistence.IngestRequest{
		Provider:         body.Provider,
		ExternalID:       body.ExternalID,
		ExternalThreadID: body.ExternalThreadID,
		AccountID:        body.AccountID,
		RunID:            body.RunID,
		OccurredAt:       body.OccurredAt,
		Kind:             body.Kind,
		ContentLanguage:  body.ContentLanguage,
		Status:           body.Status,
		Title:            body.Title,
		Subject:          body.Subject,
		ContentText:      body.ContentText,
		SummaryText:      body.SummaryText,
		ContentHash:      body.ContentHash,
		BlobID:           body.BlobID,
		Bytes:            body.Bytes,
		Payload:          body.Payload,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := ingestResponse{IngestResult: res}
	if len(body.Tags) > 0 {
		if out.Tags, err = s.cfg.Store.AssignTags(ctx, res.ItemID, body.Tags); err != nil {
			s.writeError(c, err)
			return
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ItemsIngested.Add(ctx, 1, metric.WithAttributes(otel.AttrProvider.String(string(body.Provider))))
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, out)
}

func (s *Server) handleListItems(c *gin.Context) {
	f, err := s.itemFilter(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	items, err := s.cfg.Store.ListItems(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type itemDetail struct {
	persistence.Item
	Tags  []persistence.Tag          `json:"tags"`
	Email *persistence.EmailSidecar  `json:"email,omitempty"`
	Drive *persistence.DriveSidecar  `json:"drive,omitempty"`
	Links []persistence.CalendarLink `json:"links"`
}

// handleGetItem returns the item with its tags, sidecars and links.
// Soft-deleted items answer 404 unless include_deleted is set.
func (s *Server) handleGetItem(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	includeDeleted, err := queryBool(c, "include_deleted")
	if err != nil {
		s.writeError(c, err)
		return
	}
	it, err := s.cfg.Store.LookupItem(ctx, id, includeDeleted)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := itemDetail{Item: it}
	if out.Tags, err = s.cfg.Store.ItemTags(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	if out.Links, err = s.cfg.Store.ItemLinks(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	switch it.Kind {
	case persistence.ItemKindEmail:
		if sc, err := s.cfg.Store.GetEmailSidecar(ctx, id); err == nil {
			out.Email = &sc
		}
	case persistence.ItemKindFile:
		if sc, err := s.cfg.Store.GetDriveSidecar(ctx, id); err == nil {
			out.Drive = &sc
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteItem(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	mode := s.cfg.DeletionMode
	if raw := c.Query("mode"); raw != "" {
		m, err := persistence.ParseDeletionType(raw)
		if err != nil {
			s.writeError(c, err)
			return
		}
		mode = m
	}
	err := s.cfg.Store.Delete(ctx, id, mode)
	audit.Record(ctx, shared.Actor(ctx), "item.delete."+string(mode), id, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ItemsDeleted.Add(ctx, 1, metric.WithAttributes(otel.AttrMode.String(string(mode))))
	}
	s.logger.InfoContext(ctx, "item deleted", "item_id", id, "mode", mode, "actor", shared.Actor(ctx))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestore(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	err := s.cfg.Store.Restore(ctx, id)
	audit.Record(ctx, shared.Actor(ctx), "item.restore", id, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	it, err := s.cfg.Store.GetItem(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) handleTrash(c *gin.Context) {
	items, err := s.cfg.Store.ListDeleted(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type statusBody struct {
	Status persistence.ItemStatus `json:"status"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, &persistence.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	status, err := persistence.ParseItemStatus(string(body.Status))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.cfg.Store.SetItemStatus(c.Request.Context(), c.Param("id"), status); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type duplicateBody struct {
	ParentID string `json:"parent_id"`
}

func (s *Server) handleSetDuplicate(c *gin.Context) {
	var body duplicateBody
	if !s.decode(c, validate.Duplicate, &body) {
		return
	}
	if err := s.cfg.Store.SetDuplicateOf(c.Request.Context(), c.Param("id"), body.ParentID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleItemEvents(c *gin.Context) {
	events, err := s.cfg.Store.ListItemEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleListEvents(c *gin.Context) {
	var f persistence.EventFilter
	var err error
	if raw := c.Query("kind"); raw != "" {
		if f.Kind, err = persistence.ParseEventKind(raw); err != nil {
			s.writeError(c, err)
			return
		}
	}
	if f.Since, err = queryTime(c, "since"); err != nil {
		s.writeError(c, err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 100); err != nil {
		s.writeError(c, err)
		return
	}
	events, err := s.cfg.Store.ListEvents(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleEmailSidecar(c *gin.Context) {
	var sc persistence.EmailSidecar
	if !s.decode(c, validate.EmailSidecar, &sc) {
		return
	}
	sc.ItemID = c.Param("id")
	if err := s.cfg.Store.AttachEmailSidecar(c.Request.Context(), sc); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleDriveSidecar(c *gin.Context) {
	var sc persistence.DriveSidecar
	if !s.decode(c, validate.DriveSidecar, &sc) {
		return
	}
	sc.ItemID = c.Param("id")
	if err := s.cfg.Store.AttachDriveSidecar(c.Request.Context(), sc); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

type fileBody struct {
	Role         persistence.FileRole `json:"role"`
	AbsolutePath string               `json:"absolute_path"`
	RelativePath string               `json:"relative_path"`
	Mime         string               `json:"mime"`
	Bytes        int64                `json:"bytes"`
	Hash         string               `json:"hash"`
}

func (s *Server) handleAttachFile(c *gin.Context) {
	var body fileBody
	if !s.decode(c, validate.File, &body) {
		return
	}
	id, err := s.cfg.Store.AttachFile(c.Request.Context(), c.Param("id"), persistence.FileSpec(body))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file_id": id})
}

func (s *Server) handleListFiles(c *gin.Context) {
	includeDeleted, err := queryBool(c, "include_deleted")
	if err != nil {
		s.writeError(c, err)
		return
	}
	files, err := s.cfg.Store.ListFiles(c.Request.Context(), c.Param("id"), includeDeleted)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	if err := s.cfg.Store.DeleteFile(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type tagsBody struct {
	Names []string `json:"names"`
}

func (s *Server) handleAssignTags(c *gin.Context) {
	var body tagsBody
	if !s.decode(c, validate.Tags, &body) {
		return
	}
	names, err := s.cfg.Store.AssignTags(c.Request.Context(), c.Param("id"), body.Names)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": names})
}

func (s *Server) handleUnassignTag(c *gin.Context) {
	if err := s.cfg.Store.UnassignTag(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListTags(c *gin.Context) {
	tags, err := s.cfg.Store.ListTags(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}
