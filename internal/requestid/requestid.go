// Package requestid provides request and connection correlation ids via context.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

type connKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// NewConn tags ctx with a fresh realtime connection id.
func NewConn(ctx context.Context) (context.Context, string) {
	id := "conn-" + uuid.New().String()
	return context.WithValue(ctx, connKey{}, id), id
}

// ConnFromContext returns the connection id stored by NewConn, or "".
func ConnFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connKey{}).(string)
	return id
}

// Logger returns logger enriched with whichever correlation ids ctx carries.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		lc = lc.Str("request_id", id)
	}
	if id := ConnFromContext(ctx); id != "" {
		lc = lc.Str("conn_id", id)
	}
	return lc.Logger()
}
