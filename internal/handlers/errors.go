package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"librarydesk/internal/auth"
	"librarydesk/internal/dto"
	"librarydesk/internal/services"
)

// statusFor maps a domain error to its HTTP status and client-facing detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "Invalid authentication credentials"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrConflict):
		// Duplicate usernames surface as 500 "Internal Server Error: ...".
		return http.StatusInternalServerError, "Internal Server Error: " + err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeError(c *gin.Context, err error) {
	status, detail := statusFor(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s (request_id=%s): %v", c.Request.Method, c.Request.URL.Path, c.GetString(requestIDKey), err)
	}
	c.JSON(status, dto.ErrorResponse{Detail: detail})
}

func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Detail: err.Error()})
}
