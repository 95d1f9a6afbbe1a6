package backend

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Failover tries a primary backend and substitutes the fallback when the
// primary is unreachable before any token is produced.
//
// Mid-stream failures never fail over: partial output has already been
// delivered and restarting on another backend would duplicate it. They
// surface as the stream's terminal error marker instead.
type Failover struct {
	primary  Backend
	fallback Backend
	logger   *zap.Logger
}

// NewFailover wraps primary with an optional fallback. A nil fallback makes
// this a pass-through.
func NewFailover(primary, fallback Backend, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{primary: primary, fallback: fallback, logger: logger}
}

// Name identifies the primary backend.
func (f *Failover) Name() string {
	return f.primary.Name()
}

// Generate starts a generation on the primary, falling back when it is
// unavailable.
func (f *Failover) Generate(ctx context.Context, req Request) (*Stream, error) {
	stream, err := f.primary.Generate(ctx, req)
	if err == nil {
		return stream, nil
	}
	if f.fallback == nil || !errors.Is(err, ErrBackendUnavailable) {
		return nil, err
	}

	f.logger.Warn("primary backend unavailable, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err),
	)
	return f.fallback.Generate(ctx, req)
}

// Ensure Failover implements Backend.
var _ Backend = (*Failover)(nil)
