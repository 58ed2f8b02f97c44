// internal/pkg/response/response.go
package response

import (
	"net/http"
	"strconv"

	xerrors "marketplace-auth/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Code       string      `json:"code,omitempty"`
	NextStep   string      `json:"next_step,omitempty"`
	RetryAfter int64       `json:"retry_after,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response. err is never echoed to the
// client; callers log it.
func Error(c *gin.Context, status int, message string, err error, data ...interface{}) {
	// Abort before writing so later handlers never run
	c.Abort()

	resp := Response{
		Success: false,
		Message: message,
	}
	if err != nil {
		_ = c.Error(err)
	}
	if len(data) > 0 {
		resp.Data = data[0]
	}

	c.JSON(status, resp)
}

// AuthFailure writes an AuthError with its code, next step and retry hint.
func AuthFailure(c *gin.Context, ae *xerrors.AuthError) {
	c.Abort()

	resp := Response{
		Success:    false,
		Message:    ae.Message,
		Code:       string(ae.Kind),
		NextStep:   ae.NextStep,
		RetryAfter: ae.RetryAfterSeconds(),
	}
	if len(ae.Details) > 0 {
		resp.Data = ae.Details
	}
	if resp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
	}

	c.JSON(ae.Status(), resp)
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	resp := xerrors.NewAuthError(xerrors.KindBadRequest, message, err)
	if err != nil {
		_ = c.Error(err)
	}
	AuthFailure(c, resp)
}
