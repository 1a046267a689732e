package tokens

import (
	"context"
	"log/slog"
)

// Registry picks a Counter per model and turns counts into pool costs.
// Counters are tried in registration order; the character estimator covers
// models no counter supports.
type Registry struct {
	counters []Counter
	fallback Counter
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a Registry with only the fallback estimator.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{fallback: NewCharEstimator(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c ahead of the fallback.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

func (r *Registry) counterFor(model string) Counter {
	for _, c := range r.counters {
		if c.Supports(model) {
			return c
		}
	}
	return r.fallback
}

// Cost is the prompt cost of req. A counter that fails is replaced by the
// estimator; a cost is always produced.
func (r *Registry) Cost(ctx context.Context, req *Request) int64 {
	count, err := r.counterFor(req.Model).Count(ctx, req)
	if err != nil {
		r.logger.Warn("token count failed, estimating",
			slog.String("model", req.Model),
			slog.String("error", err.Error()))
		count, _ = r.fallback.Count(ctx, req)
	}
	return int64(count.Tokens)
}

// TextCost is the cost of generated text, used when the upstream reported
// no usage.
func (r *Registry) TextCost(model, text string) int64 {
	n, err := r.counterFor(model).CountText(model, text)
	if err != nil {
		n, _ = r.fallback.CountText(model, text)
	}
	return int64(n)
}
