/*
Package server hosts the gateway's HTTP router and its middleware.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware tags each request with a UUID, keeping a valid incoming
X-Request-ID, and echoes it in the response header. GetRequestID reads it
back.

## Logging (logging.go)

LoggingMiddleware writes one structured slog line per request when it
completes. Handlers attach fields with AddLogField and AddError; the
frontdoor records the id of the pooled credential that served the call.
Responses with a 5xx status are logged at warn.

## Timeout (timeout.go)

TimeoutMiddleware bounds the request context. Handlers and the upstream
client observe ctx.Done().

## Rate Limit Headers (ratelimit.go)

RateLimitNormalizingMiddleware writes x-ratelimit-* headers. Token limits
come from the serving credential via SetRateLimits; request limits come from
AdmissionMiddleware.

## Admission (admission.go)

AdmissionMiddleware is a token bucket over all callers. It guards the admin
API.

## Admin Auth (adminauth.go)

AdminAuthMiddleware validates HS256 bearer tokens minted by cmd/keygen.

# Middleware Chain Order

New installs, in order:
 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. TimeoutMiddleware
 4. RateLimitNormalizingMiddleware
 5. Recoverer
 6. OTel instrumentation

Admission and admin auth are mounted on the /admin sub-router only.
*/
package server
