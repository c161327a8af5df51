package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/okikorg/okik/pkg/errdefs"
)

// genericHandlerMessage is returned instead of the handler's own error so
// that internal details do not leak to clients.
const genericHandlerMessage = "internal server error"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(c *gin.Context, status int, kind errdefs.Kind, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		ErrorKind: string(kind),
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}

// writeClientError reports a RequestValidationError with its message.
func writeClientError(c *gin.Context, status int, err error) {
	msg := err.Error()
	var e *errdefs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeError(c, status, errdefs.KindRequestValidation, msg)
}

func notFound(c *gin.Context) {
	writeError(c, http.StatusNotFound, errdefs.KindNotFound, "no route for "+c.Request.Method+" "+c.Request.URL.Path)
}
