package kalamari

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each proxy
// session. It uses slog.LogAttrs for low-allocation logging on the hot
// path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessEntry contains all fields for a single access log record. The
// session ID lets the outer CONNECT leg and the intercepted inner leg of
// the same tunnel be correlated.
type AccessEntry struct {
	// Timestamp when the session finished.
	Timestamp time.Time

	// SessionID of the connection, shared with any nested tunnel leg.
	SessionID uint64

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Host and Port are the resolved target.
	Host string
	Port int

	// Path is the request path, empty for CONNECT.
	Path string

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Blocked is true if the request was denied by the blacklist.
	Blocked bool

	// BytesIn and BytesOut are the relayed byte counts per direction.
	BytesIn  int64
	BytesOut int64

	// Duration is the time from classification to session close.
	Duration time.Duration

	// Error is a description of any error that ended the session.
	Error string
}

// NewAccessLogger creates an AccessLogger writing to the given
// slog.Logger. For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessEntry) {
	attrs := make([]slog.Attr, 0, 11)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.Uint64("session", e.SessionID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.Int("port", e.Port),
		slog.String("path", e.Path),
		slog.String("client", e.ClientAddr),
	)

	if e.Blocked {
		attrs = append(attrs, slog.Bool("blocked", true))
	} else {
		attrs = append(attrs,
			slog.Int64("bytes_in", e.BytesIn),
			slog.Int64("bytes_out", e.BytesOut),
		)
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
