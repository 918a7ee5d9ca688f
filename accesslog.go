package privaxy

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// AccessLogger writes one structured log entry per admin API request. It
// uses slog.LogAttrs to keep allocations low.
type AccessLogger struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewAccessLogger creates an AccessLogger writing to the given slog.Logger.
// metrics may be nil.
func NewAccessLogger(logger *slog.Logger, metrics *Metrics) *AccessLogger {
	return &AccessLogger{logger: logger, metrics: metrics}
}

// Middleware wraps next with access logging and request metrics.
func (al *AccessLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		if al.metrics != nil {
			al.metrics.RecordAPIRequest(r.Method, sw.status, duration)
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("bytes", sw.bytes),
			slog.Duration("duration", duration),
			slog.String("client", r.RemoteAddr),
		}
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "api request", attrs...)
	})
}

// statusWriter records the response status and size. Hijack is forwarded so
// the WebSocket upgrade keeps working behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer for
// hijacking and flushing.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack forwards to the underlying connection. The WebSocket upgrader
// requires it.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}
