package main

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/auth"
)

// Routes polled by load balancers and scrapers. Successful hits are not logged.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requestLogger emits one record per request. Failures are always logged;
// rejected auth and throttled calls are warnings.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := requestLevel(status)
		if level < slog.LevelWarn && quietRoutes[c.Request.URL.Path] {
			return
		}
		if !logger.Enabled(c, level) {
			return
		}
		logger.LogAttrs(c, level, "request", requestAttrs(c, status, time.Since(start))...)
	}
}

func requestLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func requestAttrs(c *gin.Context, status int, took time.Duration) []slog.Attr {
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	attrs := []slog.Attr{
		slog.Int("status", status),
		slog.String("method", c.Request.Method),
		slog.String("route", route),
		slog.String("path", c.Request.URL.Path),
		slog.String("ip", c.ClientIP()),
		slog.Int64("latency_ms", took.Milliseconds()),
	}
	if q := c.Request.URL.RawQuery; q != "" {
		attrs = append(attrs, slog.String("query", q))
	}
	if ua := c.Request.UserAgent(); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	if userID, ok := auth.UserID(c); ok {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		attrs = append(attrs, slog.Bool("websocket", true))
	}
	if len(c.Errors) > 0 {
		attrs = append(attrs, slog.String("errors", c.Errors.String()))
	}
	return attrs
}

// Substrings of net/http error lines produced by scanners hitting the TLS port.
var ignoredServerErrors = [][]byte{
	[]byte("not configured in HostWhitelist"),
	[]byte("acme/autocert: missing server name"),
	[]byte("tls: first record does not look like a TLS handshake"),
}

// serverErrorLog routes http.Server's internal logger into slog at warn level.
func serverErrorLog(logger *slog.Logger) *log.Logger {
	return log.New(serverLogWriter{logger: logger}, "", 0)
}

type serverLogWriter struct {
	logger *slog.Logger
}

func (w serverLogWriter) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	if len(line) == 0 {
		return len(p), nil
	}
	for _, ignored := range ignoredServerErrors {
		if bytes.Contains(line, ignored) {
			return len(p), nil
		}
	}
	w.logger.LogAttrs(context.Background(), slog.LevelWarn, "http server", slog.String("message", string(line)))
	return len(p), nil
}
