// Package audit records security events such as authorization code replays,
// refresh token reuse and rejected logout redirects.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a security event. The values appear in logs and as AMQP
// routing keys.
type EventType string

const (
	EventCodeReplay     EventType = "code_replay"
	EventRefreshReuse   EventType = "refresh_reuse"
	EventOpenRedirect   EventType = "open_redirect"
	EventLoginFailed    EventType = "login_failed"
	EventLoginSucceeded EventType = "login_succeeded"
	EventLogout         EventType = "logout"
	EventAccessDenied   EventType = "access_denied"
)

// Event is a single security event.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Subject   string    `json:"subject,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	GrantID   string    `json:"grant_id,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Emitter receives security events. Emit must not block the request for
// long and never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LogEmitter writes events to a slog logger at warn level.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger uses slog.Default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	attrs := []slog.Attr{slog.String("event", string(event.Type))}
	for _, a := range []struct{ k, v string }{
		{"subject", event.Subject},
		{"client_id", event.ClientID},
		{"grant_id", event.GrantID},
		{"remote_ip", event.RemoteIP},
		{"request_id", event.RequestID},
		{"detail", event.Detail},
	} {
		if a.v != "" {
			attrs = append(attrs, slog.String(a.k, a.v))
		}
	}
	e.logger.LogAttrs(ctx, slog.LevelWarn, "security event", attrs...)
}

// Multi fans an event out to every emitter.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	for _, e := range m {
		e.Emit(ctx, event)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
