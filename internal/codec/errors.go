// Package codec formats canonical domain errors as OpenAI-style error
// responses.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-token-pool/internal/domain"
	"github.com/tjfontaine/polyglot-token-pool/internal/pipeline"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
)

// ErrorResponse is a serialized error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError. Pool and
// pipeline sentinels get their own types; unknown errors become server
// errors.
func ToCanonicalError(err error) *domain.APIError {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return domain.ErrPoolExhausted("all upstream credentials have reached their limit").WithCause(err)
	case errors.Is(err, pipeline.ErrPreCheckRejected):
		return domain.ErrRateLimit("estimated cost exceeds the remaining quota of the selected credential").
			WithCode(domain.ErrorCodeQuotaExceeded).
			WithCause(err)
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == domain.ErrorTypeAuthentication && apiErr.StatusCode == 0 {
			// The upstream rejected a pooled credential; the caller did
			// nothing wrong.
			return domain.NewAPIError(domain.ErrorTypeServer, "upstream rejected the pooled credential").
				WithCode(apiErr.Code).
				WithStatusCode(http.StatusBadGateway).
				WithCause(err)
		}
		return apiErr
	}
	return domain.ErrServer(err.Error()).WithCause(err)
}

// FormatError formats err as an OpenAI API error response.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	// Build error object
	errObj := map[string]interface{}{
		"message": apiErr.Message,
		"type":    mapDomainToOpenAIErrorType(apiErr.Type),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}

	body, _ := json.Marshal(map[string]interface{}{
		"error": errObj,
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func mapDomainToOpenAIErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeContextLength:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypeNotFound:
		return "not_found"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypePoolExhausted:
		return "insufficient_quota"
	case domain.ErrorTypeOverloaded:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

// WriteError writes err as an OpenAI-style JSON error.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
