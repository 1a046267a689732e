package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/tjfontaine/polyglot-token-pool/internal/backend/openai"
	"github.com/tjfontaine/polyglot-token-pool/internal/domain"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/tokens"
)

type fixedCost int64

func (f fixedCost) Cost(context.Context, *tokens.Request) int64 { return int64(f) }
func (f fixedCost) TextCost(string, string) int64 { return int64(f) }

type fakeUpstream struct {
	mu     sync.Mutex
	keys   []string
	resp   *openai.ChatCompletionResponse
	err    error
	chunks []openai.StreamResult
}

func (f *fakeUpstream) CreateChatCompletion(_ context.Context, _ *openai.ChatCompletionRequest, opts *openai.RequestOptions) (*openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	f.keys = append(f.keys, opts.APIKey)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeUpstream) StreamChatCompletion(ctx context.Context, _ *openai.ChatCompletionRequest, opts *openai.RequestOptions) (<-chan openai.StreamResult, error) {
	f.mu.Lock()
	f.keys = append(f.keys, opts.APIKey)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan openai.StreamResult)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeUpstream) ListModels(_ context.Context, opts *openai.RequestOptions) (*openai.ModelList, error) {
	f.mu.Lock()
	f.keys = append(f.keys, opts.APIKey)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ModelList{Object: "list", Data: []openai.Model{{ID: "gpt-4o-mini", Object: "model"}}}, nil
}

func completion(completionTokens int) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:      "chatcmpl-1",
		Choices: []openai.Choice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hi"}}},
		Usage:   openai.Usage{PromptTokens: 3, CompletionTokens: completionTokens},
	}
}

func request() *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hello"}},
	}
}

func newPool(creds ...string) *pool.Pool {
	p := pool.New(creds[0], pool.WithLogger(slog.New(slog.DiscardHandler)))
	for _, c := range creds[1:] {
		p.AddToken(c)
	}
	return p
}

func TestCompleter_ChargesServingCredential(t *testing.T) {
	p := newPool("sk-a", "sk-b")
	up := &fakeUpstream{resp: completion(7)}
	c := NewCompleter(p, up, fixedCost(3))

	for i := 0; i < 3; i++ {
		if _, err := c.Complete(context.Background(), request(), ""); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	want := []string{"sk-a", "sk-b", "sk-a"}
	for i, k := range want {
		if up.keys[i] != k {
			t.Errorf("call %d used %q, want %q", i, up.keys[i], k)
		}
	}
	if rec, _ := p.GetToken(1); rec.UsageValue() != 20 {
		t.Errorf("token 1 usage = %d, want 20", rec.UsageValue())
	}
	if rec, _ := p.GetToken(2); rec.UsageValue() != 10 {
		t.Errorf("token 2 usage = %d, want 10", rec.UsageValue())
	}
}

func TestCompleter_ResultCarriesChargedToken(t *testing.T) {
	p := newPool("sk-a")
	p.UpdateToken(1, pool.TokenPatch{Limit: pool.Int64(100)})
	c := NewCompleter(p, &fakeUpstream{resp: completion(5)}, fixedCost(2))

	res, err := c.Complete(context.Background(), request(), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Token.ID != 1 || res.Token.UsageValue() != 7 {
		t.Errorf("Token = %+v, want id 1 with usage 7", res.Token)
	}
	if res.Response.ID != "chatcmpl-1" {
		t.Errorf("Response.ID = %q", res.Response.ID)
	}
}

func TestCompleter_PoolExhausted(t *testing.T) {
	p := newPool("sk-a")
	p.DeleteToken(1)
	up := &fakeUpstream{resp: completion(1)}
	c := NewCompleter(p, up, fixedCost(1))

	_, err := c.Complete(context.Background(), request(), "")
	if !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("Complete() error = %v, want ErrPoolExhausted", err)
	}
	if len(up.keys) != 0 {
		t.Error("upstream was called with an empty pool")
	}
}

func TestCompleter_PreCheckRejected(t *testing.T) {
	p := pool.New("sk-a", pool.WithLogger(slog.New(slog.DiscardHandler)), pool.WithLimitEnforcement(true))
	p.UpdateToken(1, pool.TokenPatch{Limit: pool.Int64(10)})
	up := &fakeUpstream{resp: completion(1)}
	c := NewCompleter(p, up, fixedCost(11))

	_, err := c.Complete(context.Background(), request(), "")
	if !errors.Is(err, ErrPreCheckRejected) {
		t.Fatalf("Complete() error = %v, want ErrPreCheckRejected", err)
	}
	if len(up.keys) != 0 {
		t.Error("upstream was called after a rejected pre-check")
	}
	if rec, _ := p.GetToken(1); rec.Usage != nil {
		t.Errorf("rejected pre-check charged usage %d", rec.UsageValue())
	}
}

func TestCompleter_UpstreamFailureSkipsPostProcess(t *testing.T) {
	p := newPool("sk-a")
	upErr := domain.ErrRateLimit("slow down")
	c := NewCompleter(p, &fakeUpstream{err: upErr}, fixedCost(4))

	res, err := c.Complete(context.Background(), request(), "")
	if !errors.Is(err, upErr) {
		t.Fatalf("Complete() error = %v, want the upstream error", err)
	}
	if res == nil || res.Token.ID != 1 {
		t.Fatalf("result = %+v, want the serving token", res)
	}
	if rec, _ := p.GetToken(1); rec.UsageValue() != 4 {
		t.Errorf("usage = %d, want only the pre-check cost 4", rec.UsageValue())
	}
}

func TestCompleter_ResponseAfterDisconnectIsCharged(t *testing.T) {
	p := newPool("sk-a")
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUpstream{resp: completion(50)}
	c := NewCompleter(p, &cancellingUpstream{before: cancel, fakeUpstream: up}, fixedCost(2))

	if _, err := c.Complete(ctx, request(), ""); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if rec, _ := p.GetToken(1); rec.UsageValue() != 52 {
		t.Errorf("usage = %d, want 52 (upstream reported usage)", rec.UsageValue())
	}
}

// cancellingUpstream simulates a client that disconnects while the upstream
// call is in flight.
type cancellingUpstream struct {
	before func()
	*fakeUpstream
}

func (c *cancellingUpstream) CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest, opts *openai.RequestOptions) (*openai.ChatCompletionResponse, error) {
	c.before()
	return c.fakeUpstream.CreateChatCompletion(ctx, req, opts)
}

func TestCompleter_StreamChargesReportedUsage(t *testing.T) {
	p := newPool("sk-a")
	stop := "stop"
	up := &fakeUpstream{chunks: []openai.StreamResult{
		{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: "he"}}}}},
		{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: "llo"}, FinishReason: &stop}}}},
		{Chunk: &openai.ChatCompletionChunk{Usage: &openai.Usage{PromptTokens: 3, CompletionTokens: 9}}},
	}}
	c := NewCompleter(p, up, fixedCost(3))

	s, err := c.Stream(context.Background(), request(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if s.Token.ID != 1 {
		t.Errorf("Token.ID = %d, want 1", s.Token.ID)
	}

	n := 0
	for range s.Chunks {
		n++
	}
	if n != 3 {
		t.Errorf("forwarded %d chunks, want 3", n)
	}
	if final := s.Final(); final.UsageValue() != 12 {
		t.Errorf("final usage = %d, want 12", final.UsageValue())
	}
}

func TestCompleter_StreamWithoutUsageEstimates(t *testing.T) {
	p := newPool("sk-a")
	up := &fakeUpstream{chunks: []openai.StreamResult{
		{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: "hello there"}}}}},
	}}
	c := NewCompleter(p, up, fixedCost(5))

	s, err := c.Stream(context.Background(), request(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	for range s.Chunks {
	}
	// fixedCost answers both the pre-check and the fallback estimate.
	if final := s.Final(); final.UsageValue() != 10 {
		t.Errorf("final usage = %d, want 10", final.UsageValue())
	}
}

func TestCompleter_StreamErrorSkipsPostProcess(t *testing.T) {
	p := newPool("sk-a")
	up := &fakeUpstream{chunks: []openai.StreamResult{
		{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: "par"}}}}},
		{Err: errors.New("connection reset")},
	}}
	c := NewCompleter(p, up, fixedCost(2))

	s, err := c.Stream(context.Background(), request(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var sawErr bool
	for res := range s.Chunks {
		if res.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("stream error was not forwarded")
	}
	if final := s.Final(); final.UsageValue() != 2 {
		t.Errorf("final usage = %d, want 2", final.UsageValue())
	}
}

// chanUpstream streams whatever the test sends on ch.
type chanUpstream struct {
	ch chan openai.StreamResult
	*fakeUpstream
}

func (c *chanUpstream) StreamChatCompletion(context.Context, *openai.ChatCompletionRequest, *openai.RequestOptions) (<-chan openai.StreamResult, error) {
	return c.ch, nil
}

func textChunk(content string) openai.StreamResult {
	return openai.StreamResult{Chunk: &openai.ChatCompletionChunk{Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: content}}}}}
}

func TestCompleter_StreamClientGoneBeforeUsage(t *testing.T) {
	p := newPool("sk-a")
	ctx, cancel := context.WithCancel(context.Background())
	up := &chanUpstream{ch: make(chan openai.StreamResult), fakeUpstream: &fakeUpstream{}}
	c := NewCompleter(p, up, fixedCost(1))

	s, err := c.Stream(ctx, request(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	go func() { up.ch <- textChunk("a") }()
	<-s.Chunks
	cancel()
	close(up.ch)
	for range s.Chunks {
	}

	if final := s.Final(); final.UsageValue() != 1 {
		t.Errorf("final usage = %d, want 1 (post-process skipped)", final.UsageValue())
	}
}

func TestCompleter_StreamClientGoneAfterUsage(t *testing.T) {
	p := newPool("sk-a")
	ctx, cancel := context.WithCancel(context.Background())
	up := &chanUpstream{ch: make(chan openai.StreamResult), fakeUpstream: &fakeUpstream{}}
	c := NewCompleter(p, up, fixedCost(1))

	s, err := c.Stream(ctx, request(), "")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	go func() { up.ch <- textChunk("a") }()
	<-s.Chunks
	// The completer has taken the usage chunk once this send returns.
	up.ch <- openai.StreamResult{Chunk: &openai.ChatCompletionChunk{Usage: &openai.Usage{CompletionTokens: 30}}}
	cancel()
	close(up.ch)
	for range s.Chunks {
	}

	if final := s.Final(); final.UsageValue() != 31 {
		t.Errorf("final usage = %d, want 31 (reported usage charged)", final.UsageValue())
	}
}

func TestCompleter_ListModelsIsFree(t *testing.T) {
	p := newPool("sk-a", "sk-b")
	up := &fakeUpstream{}
	c := NewCompleter(p, up, fixedCost(3))

	models, err := c.ListModels(context.Background(), "")
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models.Data) != 1 {
		t.Errorf("ListModels() = %+v", models.Data)
	}
	if up.keys[0] != "sk-a" {
		t.Errorf("ListModels used %q, want sk-a", up.keys[0])
	}
	for _, rec := range p.ListTokens() {
		if rec.Usage != nil {
			t.Errorf("token %d charged %d for a model listing", rec.ID, *rec.Usage)
		}
	}
}

func TestCountRequest(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Name: "bob", Content: "hi"},
		},
		Tools: []openai.Tool{{Type: "function", Function: openai.FunctionTool{Name: "lookup", Description: "find"}}},
	}
	got := countRequest(req)
	if got.Model != "gpt-4o" || len(got.Messages) != 2 || got.Messages[1].Name != "bob" {
		t.Errorf("countRequest() = %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "lookup" {
		t.Errorf("countRequest() tools = %+v", got.Tools)
	}
}
