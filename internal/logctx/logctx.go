// Package logctx enriches slog records with connection and session
// attributes carried on the context, so handler code logs once and every
// record downstream is correlated for free.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-carried groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("user_id", cd.UserID),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("role", sd.Role),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

// ConnData identifies one socket for log correlation.
type ConnData struct {
	ConnID     string
	UserID     string
	RemoteAddr string
}

// WithConnData attaches connection attributes to the context.
func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a connection is joined to.
type SessionData struct {
	SessionID string
	Role      string
}

// WithSessionData attaches session attributes to the context.
func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
