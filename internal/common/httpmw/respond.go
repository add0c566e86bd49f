package httpmw

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

// Responder is the single boundary where errors become HTTP responses.
// Every error passes through the sanitizer so registered secret values can
// never reach a client.
type Responder struct {
	sanitizer *apperrors.Sanitizer
}

// NewResponder creates a responder backed by the given sanitizer.
func NewResponder(sanitizer *apperrors.Sanitizer) *Responder {
	return &Responder{sanitizer: sanitizer}
}

// Error writes a JSON error response with the taxonomy code, message, and
// optional hint. Unknown errors are collapsed to a generic internal error.
func (r *Responder) Error(c *gin.Context, err error) {
	ae := r.sanitizer.CleanError(err)
	payload := gin.H{
		"code":    string(ae.Code),
		"message": ae.Message,
	}
	if ae.Hint != "" {
		payload["hint"] = ae.Hint
	}
	c.JSON(ae.HTTPStatus(), gin.H{"error": payload})
}
