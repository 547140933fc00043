package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/trackr/internal/acquire"
	"github.com/loykin/trackr/internal/location"
	"github.com/loykin/trackr/internal/session"
)

// StatusClientClosedRequest is reported when the caller went away before a result settled.
const StatusClientClosedRequest = 499

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// parseTimeout reads an acquisition timeout. Empty means def; values above limit are rejected.
func parseTimeout(raw string, def, limit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	if limit > 0 && d > limit {
		return 0, fmt.Errorf("timeout exceeds %s", limit)
	}
	return d, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var perr *location.ProviderError
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, acquire.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, acquire.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, acquire.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
