package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondErr maps a service error onto status and code.
func RespondErr(c *gin.Context, err error) {
	ae := classify(err)
	if ae.Status >= http.StatusInternalServerError {
		// Internal detail stays in the logs.
		_ = c.Error(err)
		RespondError(c, ae.Status, ae.Code, errors.New("internal error"))
		return
	}
	RespondError(c, ae.Status, ae.Code, ae.Err)
}

func classify(err error) *apierr.Error {
	var be *builder.Error
	switch {
	case errors.Is(err, builder.ErrBusy):
		return apierr.New(http.StatusConflict, string(builder.CodeConcurrentModification), err)
	case errors.Is(err, builder.ErrNotFound):
		return apierr.New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, builder.ErrTerminal):
		return apierr.New(http.StatusConflict, "session_terminal", err)
	case errors.Is(err, builder.ErrInvalidArgument):
		return apierr.New(http.StatusBadRequest, "invalid_argument", err)
	case errors.Is(err, builder.ErrForbidden):
		return apierr.New(http.StatusForbidden, "forbidden", err)
	case errors.As(err, &be):
		return apierr.New(http.StatusUnprocessableEntity, string(be.Code), err)
	}
	return apierr.From(err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
