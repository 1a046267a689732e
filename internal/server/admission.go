package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionMiddleware admits at most perMinute requests per minute across
// all callers, with bursts up to perMinute. Rejected requests get 429 and a
// Retry-After header. A non-positive perMinute disables the limiter.
func AdmissionMiddleware(perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perMinute <= 0 {
			return next
		}
		limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			delay := res.Delay()
			if delay > 0 {
				res.Cancel()
				SetRateLimits(r.Context(), RateLimitInfo{RequestsLimit: perMinute, HasRequests: true})
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			remaining := int(limiter.TokensAt(time.Now()))
			if remaining < 0 {
				remaining = 0
			}
			SetRateLimits(r.Context(), RateLimitInfo{
				RequestsLimit:     perMinute,
				RequestsRemaining: remaining,
				HasRequests:       true,
			})
			next.ServeHTTP(w, r)
		})
	}
}
