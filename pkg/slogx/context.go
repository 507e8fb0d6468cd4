package slogx

import (
	"context"
	"log/slog"

	"github.com/aussiebroadwan/grantstore/pkg/idx"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithRun tags every line logged under ctx with a fresh run id, so one
// housekeeping pass or CLI invocation can be grepped out of the stream.
func WithRun(ctx context.Context, op string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("op", op, "run_id", idx.New().String()))
}
