package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/appforge-backend/internal/http/middleware"
	"github.com/yungbote/appforge-backend/internal/http/response"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/services"
)

type SessionHandler struct {
	sessions services.SessionService
}

func NewSessionHandler(sessions services.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type requestBody struct {
	Request string `json:"request"`
}

// POST /api/sessions
func (h *SessionHandler) Start(c *gin.Context) {
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	bs, err := h.sessions.Start(dbctx.Context{Ctx: c.Request.Context()}, middleware.UserID(c), body.Request)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": bs.ID, "status": bs.State})
}

// GET /api/sessions/:id?since_event_id=N
func (h *SessionHandler) Poll(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	since, err := sinceParam(c.Query("since_event_id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	res, err := h.sessions.Poll(dbctx.Context{Ctx: c.Request.Context()}, middleware.UserID(c), id, since)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/sessions/:id/modify
func (h *SessionHandler) Modify(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.sessions.Modify(dbctx.Context{Ctx: c.Request.Context()}, middleware.UserID(c), id, body.Request); err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ack": true})
}

// POST /api/sessions/:id/stop
func (h *SessionHandler) Stop(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.Stop(dbctx.Context{Ctx: c.Request.Context()}, middleware.UserID(c), id); err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ack": true})
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil || id == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", fmt.Errorf("invalid session id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func sinceParam(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("since_event_id must be a non-negative integer: %w", builder.ErrInvalidArgument)
	}
	return n, nil
}
