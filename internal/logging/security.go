package logging

import (
	"context"
	"log/slog"
)

// SecurityEvent describes a rejected MAC-authenticated request. Reason
// is the internal taxonomy kind and must never be echoed to the caller.
type SecurityEvent struct {
	Reason     string
	TokenKey   string
	ClientID   string
	Method     string
	URI        string
	RemoteAddr string
	RequestID  string
}

// SecurityHook receives security events.
type SecurityHook func(ctx context.Context, ev SecurityEvent)

// SecurityLogger returns a hook that writes events at warn level.
func SecurityLogger(logger *slog.Logger) SecurityHook {
	return func(ctx context.Context, ev SecurityEvent) {
		logger.LogAttrs(ctx, slog.LevelWarn, "security event",
			slog.String("event", "security"),
			slog.String("reason", ev.Reason),
			slog.String("token", KeyPrefix(ev.TokenKey)),
			slog.String("client_id", ev.ClientID),
			slog.String("method", ev.Method),
			slog.String("uri", ev.URI),
			slog.String("ip", ev.RemoteAddr),
			slog.String("request_id", ev.RequestID),
		)
	}
}

// KeyPrefix shortens a token key for logs so full credentials never
// reach log sinks.
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
