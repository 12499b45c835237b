package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/appforge-backend/internal/http/response"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/services"
)

type LibraryHandler struct {
	library services.LibraryService
}

func NewLibraryHandler(library services.LibraryService) *LibraryHandler {
	return &LibraryHandler{library: library}
}

// GET /api/library/stats
func (h *LibraryHandler) Stats(c *gin.Context) {
	stats, err := h.library.Stats(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, stats)
}

// GET /api/library/doctor
func (h *LibraryHandler) Doctor(c *gin.Context) {
	report, err := h.library.Doctor(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, report)
}
