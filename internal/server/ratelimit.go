package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo describes the limits that applied to a request. Token
// fields describe the pooled credential that served the call; request
// fields describe admission limiting.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	HasRequests       bool

	TokensLimit     int64
	TokensRemaining int64
	HasTokens       bool

	// TokenID is the pool id of the serving credential, 0 if none.
	TokenID int
}

// rateLimitHolder is installed by the middleware so handlers further down
// the chain can report limits after their own context was derived.
type rateLimitHolder struct {
	mu   sync.Mutex
	info RateLimitInfo
}

// SetRateLimits merges rl into the request's rate limit info. Zero-valued
// sections of rl leave earlier values alone. No-op without the middleware.
func SetRateLimits(ctx context.Context, rl RateLimitInfo) {
	h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rl.HasRequests {
		h.info.RequestsLimit = rl.RequestsLimit
		h.info.RequestsRemaining = rl.RequestsRemaining
		h.info.HasRequests = true
	}
	if rl.HasTokens {
		h.info.TokensLimit = rl.TokensLimit
		h.info.TokensRemaining = rl.TokensRemaining
		h.info.HasTokens = true
	}
	if rl.TokenID != 0 {
		h.info.TokenID = rl.TokenID
	}
}

// GetRateLimits returns a copy of the request's rate limit info.
// Returns nil without the middleware.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	return &info
}

// RateLimitNormalizingMiddleware writes normalized rate limit headers to
// responses. Handlers report limits with SetRateLimits before they write
// the response; the headers go out with the first write.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &rateLimitHolder{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, holder)
		wrapped := &rateLimitResponseWriter{
			ResponseWriter: w,
			holder:         holder,
		}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	holder       *rateLimitHolder
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	rw.holder.mu.Lock()
	rl := rw.holder.info
	rw.holder.mu.Unlock()

	h := rw.Header()

	// Standard format: x-ratelimit-{limit|remaining}-{requests|tokens}
	if rl.HasRequests {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.HasTokens {
		h.Set("x-ratelimit-limit-tokens", strconv.FormatInt(rl.TokensLimit, 10))
		h.Set("x-ratelimit-remaining-tokens", strconv.FormatInt(rl.TokensRemaining, 10))
	}
	if rl.TokenID != 0 {
		h.Set("x-pool-token-id", strconv.Itoa(rl.TokenID))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
