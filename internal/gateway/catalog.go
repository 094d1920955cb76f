package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-diary/internal/audit"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
	"github.com/basket/go-diary/internal/validate"
)

type accountBody struct {
	Provider          persistence.Provider `json:"provider"`
	ExternalAccountID string               `json:"external_account_id"`
	DisplayName       string               `json:"display_name"`
}

func (s *Server) handleUpsertAccount(c *gin.Context) {
	var body accountBody
	if !s.decode(c, validate.Account, &body) {
		return
	}
	acct, err := s.cfg.Store.UpsertAccount(c.Request.Context(), body.Provider, body.ExternalAccountID, body.DisplayName)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accts, err := s.cfg.Store.ListAccounts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accts})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	err := s.cfg.Store.DeleteAccount(ctx, id)
	audit.Record(ctx, shared.Actor(ctx), "account.delete", id, err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body sessionBody
	if !s.decode(c, validate.Session, &body) {
		return
	}
	sess, err := s.cfg.Store.CreateSession(c.Request.Context(), body.Name, body.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.cfg.Store.GetSessionByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type sessionItemBody struct {
	ItemID     string `json:"item_id"`
	OrderIndex *int   `json:"order_index"`
}

// handleAddSessionItem places an item in a named session. Without an
// order_index the item is appended.
func (s *Server) handleAddSessionItem(c *gin.Context) {
	var body sessionItemBody
	if !s.decode(c, validate.SessionItem, &body) {
		return
	}
	ctx := c.Request.Context()
	sess, err := s.cfg.Store.GetSessionByName(ctx, c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	idx := -1
	if body.OrderIndex != nil {
		idx = *body.OrderIndex
	}
	placed, err := s.cfg.Store.AddSessionItem(ctx, sess.ID, body.ItemID, idx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "item_id": body.ItemID, "order_index": placed})
}

func (s *Server) handleSessionItems(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.cfg.Store.GetSessionByName(ctx, c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	entries, err := s.cfg.Store.SessionItems(ctx, sess.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "items": entries})
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		s.writeError(c, err)
		return
	}
	runs, err := s.cfg.Store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.cfg.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleRunSweep runs a configured sweep synchronously. A partial sweep
// answers 207 with the failures listed.
func (s *Server) handleRunSweep(c *gin.Context) {
	if s.cfg.RunSweep == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorBody{Code: "unavailable", Message: "no sweeps configured"}})
		return
	}
	ctx := c.Request.Context()
	name := c.Param("name")
	err := s.cfg.RunSweep(ctx, name)
	audit.Record(ctx, shared.Actor(ctx), "sweep.run", name, err)
	var partial *persistence.PartialSweepError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"sweep": name, "status": persistence.RunStatusOK})
	case errors.As(err, &partial):
		failures := make([]gin.H, 0, len(partial.Failures))
		for _, f := range partial.Failures {
			failures = append(failures, gin.H{"external_id": f.ExternalID, "error": f.Err.Error()})
		}
		c.JSON(http.StatusMultiStatus, gin.H{
			"sweep":    name,
			"status":   persistence.RunStatusPartial,
			"run_id":   partial.RunID,
			"created":  partial.Created,
			"updated":  partial.Updated,
			"failures": failures,
		})
	default:
		s.writeError(c, err)
	}
}
