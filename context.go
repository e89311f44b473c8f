package movie_archiver

import (
	"context"
	"io"

	"go.uber.org/zap"
)

type loggerKey struct{}

// WithLogger returns a context carrying logger, retrieved with Logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the logger carried by ctx, or the global logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.L()
}

// A context-aware io.Reader wrapper.
type readerContext struct {
	ctx context.Context
	r   io.Reader
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err = r.r.Read(p)
	if err != nil && r.ctx.Err() != nil {
		// Prefer the cancellation cause over whatever error the interrupted read produced.
		return n, r.ctx.Err()
	}
	return n, err
}
