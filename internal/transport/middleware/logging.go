package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	filtered     = "[FILTERED]"
	maxLogBody   = 8 << 10
	phoneVisible = 3
)

// sensitiveFields are matched as substrings of lowercased keys and headers.
var sensitiveFields = []string{
	"password",
	"passkey",
	"credential",
	"secret",
	"token",
	"authorization",
	"consumer_key",
}

// phoneFields hold MSISDNs; they are masked rather than dropped.
var phoneFields = []string{
	"phone",
	"phonenumber",
	"msisdn",
	"partya",
	"partyb",
	"receiverpartypublicname",
}

func LoggingMiddleware(base *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := requestLogger(w, base)

			logRequest(log, r)

			ww := &responseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
			next.ServeHTTP(ww, r)

			logResponse(log, ww, time.Since(start))
		})
	}
}

// requestLogger picks up the trace id RequestID put on the response.
func requestLogger(w http.ResponseWriter, base *slog.Logger) *slog.Logger {
	if traceID := w.Header().Get(TraceHeader); traceID != "" {
		return base.With("trace_id", traceID)
	}
	return base
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if room := maxLogBody - rw.body.Len(); room > 0 {
		if len(b) > room {
			rw.body.Write(b[:room])
		} else {
			rw.body.Write(b)
		}
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.hijacked = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequest(log *slog.Logger, r *http.Request) {
	var bodyBytes []byte
	if r.Body != nil && r.Body != http.NoBody {
		bodyBytes, _ = io.ReadAll(io.LimitReader(r.Body, maxLogBody+1))
		rest := r.Body
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(bodyBytes), rest), rest}
		if len(bodyBytes) > maxLogBody {
			bodyBytes = nil
		}
	}

	log.Info("incoming request",
		"method", r.Method,
		"path", r.URL.Path,
		"query", filterQuery(r.URL.RawQuery),
		"remote_addr", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"headers", filterSensitiveHeaders(r.Header),
		"body", filterSensitiveBody(bodyBytes),
	)
}

func logResponse(log *slog.Logger, rw *responseWriter, duration time.Duration) {
	statusCode := rw.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	level := slog.LevelInfo
	switch {
	case statusCode >= 500:
		level = slog.LevelError
	case statusCode >= 400:
		level = slog.LevelWarn
	}

	attrs := []any{
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	}
	if !rw.hijacked {
		attrs = append(attrs, "response_size", rw.body.Len(), "body", filterSensitiveBody(rw.body.Bytes()))
	}
	log.Log(context.Background(), level, "response", attrs...)
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func isPhone(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range phoneFields {
		if lower == field {
			return true
		}
	}
	return false
}

func filterSensitiveHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			out[name] = filtered
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func filterQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if found && isSensitive(key) {
			parts[i] = key + "=" + filtered
		}
	}
	return strings.Join(parts, "&")
}

// filterSensitiveBody masks secrets and phone numbers in a JSON body.
// Non-JSON bodies are logged only when they contain nothing that looks
// sensitive.
func filterSensitiveBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		if isSensitive(string(body)) {
			return "[FILTERED - contains sensitive data]"
		}
		return string(body)
	}

	out, err := json.Marshal(filterSensitiveJSON(data))
	if err != nil {
		return "[ERROR - failed to marshal filtered body]"
	}
	return string(out)
}

func filterSensitiveJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		// gateway metadata items look like {"Name": "PhoneNumber", "Value": 2547...}
		if name, ok := v["Name"].(string); ok && isPhone(name) {
			if value, ok := v["Value"]; ok {
				masked := make(map[string]interface{}, len(v))
				for key, item := range v {
					masked[key] = item
				}
				masked["Value"] = maskPhone(value)
				return masked
			}
		}

		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			switch {
			case isSensitive(key):
				out[key] = filtered
			case isPhone(key):
				out[key] = maskPhone(value)
			default:
				out[key] = filterSensitiveJSON(value)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = filterSensitiveJSON(item)
		}
		return out
	default:
		return v
	}
}

// maskPhone keeps the last digits of a number, e.g. 254712345678 -> *********678.
func maskPhone(value interface{}) string {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case float64:
		b, _ := json.Marshal(v)
		s = string(b)
	default:
		return filtered
	}
	if len(s) <= phoneVisible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-phoneVisible) + s[len(s)-phoneVisible:]
}
