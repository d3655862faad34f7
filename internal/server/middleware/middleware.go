// Package middleware holds the gin middleware chain: panic recovery, request
// id propagation, access logging, and per-route timeouts.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/reqid"
)

// ErrorResponse is the JSON body returned for any non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the status text and message for an ErrorResponse.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AbortWithError aborts the request with a JSON error body and records err
// on the gin context so AccessLog picks it up.
func AbortWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Type:    http.StatusText(status),
			Message: err.Error(),
		},
	})
}

// Recovery converts a panic in a downstream handler into a 500 response
// instead of crashing the server.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				ctx := c.Request.Context()
				log.Error(ctx, "panic recovered", log.Any("panic", rec))
				AbortWithError(c, http.StatusInternalServerError, fmt.Errorf("internal error"))
			}
		}()

		c.Next()
	}
}

// WithRequestID stamps an 8-character request id onto the request context
// and mirrors it in the response headers.
func WithRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := reqid.New()

		c.Header("X-Request-Id", id)
		c.Request = c.Request.WithContext(reqid.With(c.Request.Context(), id))
		c.Next()
	}
}

// WithTimeout bounds request handling at d. Handlers are expected to check
// ctx.Done(); it does not itself abort a handler that ignores the context.
func WithTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AccessLog logs method, path, status, and latency for every response with
// status >= 400 or any response that recorded a gin error.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		if status < http.StatusBadRequest && len(c.Errors) == 0 {
			return
		}

		ctx := c.Request.Context()

		fields := []log.Field{
			log.Int("status", status),
			log.String("method", c.Request.Method),
			log.String("path", c.Request.URL.Path),
			log.Duration("latency", time.Since(start)),
			log.String("client_ip", c.ClientIP()),
		}

		if len(c.Errors) > 0 {
			msgs := make([]string, 0, len(c.Errors))
			for _, e := range c.Errors {
				msgs = append(msgs, e.Error())
			}

			fields = append(fields, log.Strings("errors", msgs))
		}

		log.Error(ctx, "[ACCESS]", fields...)
	}
}
