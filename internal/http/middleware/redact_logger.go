// Package middleware – RedactingLogger
//
// RedactingLogger is the structured access logger. It scrubs obvious PII and
// credentials from request metadata before emitting logs, and attaches a
// request-scoped logger that handlers retrieve with LoggerFrom.
//
// Never logged: request or response bodies, Authorization/Cookie values, the
// internal shared secret, and credential query parameters (WebSocket clients
// may pass their token as ?token=).
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders and MaskQuery name extra headers and query parameters whose
// values are replaced with "[REDACTED]" (case-insensitive). They are merged
// with the built-in sets.
type RedactOptions struct {
	MaskHeaders []string
	MaskQuery   []string
}

var (
	// UUIDs are redacted before phone numbers so the phone pattern cannot
	// match the digit runs inside one.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(builtin []string, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(builtin)+len(extra))
	for _, group := range [][]string{builtin, extra} {
		for _, k := range group {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				out[k] = struct{}{}
			}
		}
	}
	return out
}

// RedactingLogger returns the access-log middleware.
//
// Level is chosen by outcome: error for 5xx or Gin errors, warn for 4xx,
// info otherwise. WebSocket upgrades are logged once the connection ends,
// with the connection lifetime as latency.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie", internalTokenHeader}, opts.MaskHeaders)
	maskQuery := lowerSet([]string{"token", "access_token"}, opts.MaskQuery)

	scrubQuery := func(raw string) string {
		if raw == "" {
			return raw
		}
		vals, err := url.ParseQuery(raw)
		if err != nil {
			return redact(truncate(raw, maxQueryLogLength))
		}
		for k := range vals {
			if _, ok := maskQuery[strings.ToLower(k)]; ok {
				vals[k] = []string{"[REDACTED]"}
			}
		}
		// Encode escapes brackets; decode once for readable logs.
		enc := vals.Encode()
		if dec, err := url.QueryUnescape(enc); err == nil {
			enc = dec
		}
		return redact(truncate(enc, maxQueryLogLength))
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}

		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Set(loggerKey, &l)

		upgrade := c.IsWebsocket()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400 && !upgrade:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.
			Str("user_id", UserID(c)).
			Str("query", scrubQuery(c.Request.URL.RawQuery)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Bool("websocket", upgrade).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
