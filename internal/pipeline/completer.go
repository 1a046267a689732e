package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-token-pool/internal/backend/openai"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/tokens"
)

const tracerName = "github.com/tjfontaine/polyglot-token-pool/internal/pipeline"

// ErrPreCheckRejected is returned when the leased credential refused the
// estimated cost of the call. Only happens with limit enforcement enabled.
var ErrPreCheckRejected = errors.New("pre-check rejected: estimated cost exceeds the credential limit")

// Upstream is the completion API the pipeline forwards to.
type Upstream interface {
	CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest, opts *openai.RequestOptions) (*openai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest, opts *openai.RequestOptions) (<-chan openai.StreamResult, error)
	ListModels(ctx context.Context, opts *openai.RequestOptions) (*openai.ModelList, error)
}

// CostEstimator prices calls for the hooks. Cost prices the prompt for the
// pre-check; TextCost prices streamed output that arrived without usage.
type CostEstimator interface {
	Cost(ctx context.Context, req *tokens.Request) int64
	TextCost(model, text string) int64
}

// Option configures a Completer.
type Option func(*Completer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Completer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Completer runs one completion through the pool:
// dispatch, pre-check, upstream call, post-process.
type Completer struct {
	pool     *pool.Pool
	upstream Upstream
	costs    CostEstimator
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewCompleter creates a Completer.
func NewCompleter(p *pool.Pool, upstream Upstream, costs CostEstimator, opts ...Option) *Completer {
	c := &Completer{
		pool:     p,
		upstream: upstream,
		costs:    costs,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is a finished non-streaming call.
type Result struct {
	Response *openai.ChatCompletionResponse

	// Token is the serving record after the call was charged.
	Token pool.TokenRecord
}

// Complete forwards req using a credential from the pool. The returned token
// is set whenever a credential was leased, also on upstream failure. A
// response that arrived is charged even if ctx ended meanwhile.
func (c *Completer) Complete(ctx context.Context, req *openai.ChatCompletionRequest, userAgent string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.Complete")
	defer span.End()

	lease, hooks, err := c.begin(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("pool.token_id", lease.TokenID()))

	resp, err := c.upstream.CreateChatCompletion(ctx, req, &openai.RequestOptions{
		APIKey:    lease.Credential(),
		UserAgent: userAgent,
	})
	if err != nil {
		recordError(span, err)
		c.logger.Warn("upstream call failed",
			slog.Int("token_id", lease.TokenID()),
			slog.String("error", err.Error()))
		return &Result{Token: c.tokenAfter(lease)}, fmt.Errorf("upstream: %w", err)
	}

	cost := int64(resp.Usage.CompletionTokens)
	hooks.PostProcess(cost)
	span.SetAttributes(attribute.Int64("pool.post_cost", cost))

	return &Result{Response: resp, Token: c.tokenAfter(lease)}, nil
}

// Stream is an in-flight streaming call.
type Stream struct {
	// Chunks delivers upstream chunks. It is closed after the last chunk
	// and after the call has been charged.
	Chunks <-chan openai.StreamResult

	// Token is the serving record as it was when the call was leased.
	Token pool.TokenRecord

	done chan pool.TokenRecord
}

// Final blocks until the stream is drained and returns the serving record
// after the call was charged.
func (s *Stream) Final() pool.TokenRecord {
	return <-s.done
}

// Stream forwards req as a streaming call. The post-process cost is taken
// from the usage chunk, which is charged even if ctx ended after it arrived.
// Without one the cost is estimated from the streamed text, unless ctx ended
// first. Nothing is charged after the upstream failed.
func (c *Completer) Stream(ctx context.Context, req *openai.ChatCompletionRequest, userAgent string) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.Stream")

	lease, hooks, err := c.begin(ctx, req)
	if err != nil {
		recordError(span, err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int("pool.token_id", lease.TokenID()))

	upstream, err := c.upstream.StreamChatCompletion(ctx, req, &openai.RequestOptions{
		APIKey:    lease.Credential(),
		UserAgent: userAgent,
	})
	if err != nil {
		recordError(span, err)
		span.End()
		c.logger.Warn("upstream stream failed",
			slog.Int("token_id", lease.TokenID()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("upstream: %w", err)
	}

	out := make(chan openai.StreamResult)
	s := &Stream{Chunks: out, Token: lease.Record(), done: make(chan pool.TokenRecord, 1)}

	go func() {
		defer span.End()
		defer close(out)

		var usage *openai.Usage
		var text strings.Builder
		failed := false

		for res := range upstream {
			if res.Err != nil {
				failed = true
				recordError(span, res.Err)
			} else {
				if res.Chunk.Usage != nil {
					usage = res.Chunk.Usage
				}
				for _, ch := range res.Chunk.Choices {
					text.WriteString(ch.Delta.Content)
				}
			}
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}

		charge := !failed
		var cost int64
		switch {
		case failed:
		case usage != nil:
			cost = int64(usage.CompletionTokens)
		case ctx.Err() == nil:
			cost = c.costs.TextCost(req.Model, text.String())
		default:
			charge = false
			c.logger.Debug("stream ended before usage arrived, skipping post-process",
				slog.Int("token_id", lease.TokenID()))
		}
		if charge {
			hooks.PostProcess(cost)
			span.SetAttributes(attribute.Int64("pool.post_cost", cost))
		}
		s.done <- c.tokenAfter(lease)
	}()

	return s, nil
}

// ListModels asks the upstream for its model list using the next credential
// in rotation. Listing is free: neither hook runs.
func (c *Completer) ListModels(ctx context.Context, userAgent string) (*openai.ModelList, error) {
	lease, err := c.pool.Dispatch(ctx)
	if err != nil {
		return nil, err
	}
	models, err := c.upstream.ListModels(ctx, &openai.RequestOptions{
		APIKey:    lease.Credential(),
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return models, nil
}

// begin dispatches a credential and runs the pre-check hook with the
// estimated prompt cost.
func (c *Completer) begin(ctx context.Context, req *openai.ChatCompletionRequest) (*pool.Lease, pool.Hooks, error) {
	lease, err := c.pool.Dispatch(ctx)
	if err != nil {
		return nil, pool.Hooks{}, err
	}
	hooks := lease.Hooks()

	cost := c.costs.Cost(ctx, countRequest(req))
	if !hooks.PreCheck(cost) {
		c.logger.Info("pre-check rejected call",
			slog.Int("token_id", lease.TokenID()),
			slog.Int64("cost", cost))
		return nil, pool.Hooks{}, ErrPreCheckRejected
	}
	return lease, hooks, nil
}

func (c *Completer) tokenAfter(lease *pool.Lease) pool.TokenRecord {
	if rec, ok := c.pool.GetToken(lease.TokenID()); ok {
		return rec
	}
	return lease.Record()
}

func countRequest(req *openai.ChatCompletionRequest) *tokens.Request {
	out := &tokens.Request{
		Model:    req.Model,
		Messages: make([]tokens.Message, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, tokens.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tokens.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
