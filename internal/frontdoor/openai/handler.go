// Package openai serves the OpenAI-compatible frontdoor of the gateway. Each
// call is forwarded upstream with a credential taken from the pool.
package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	upstream "github.com/tjfontaine/polyglot-token-pool/internal/backend/openai"
	"github.com/tjfontaine/polyglot-token-pool/internal/codec"
	"github.com/tjfontaine/polyglot-token-pool/internal/domain"
	"github.com/tjfontaine/polyglot-token-pool/internal/pipeline"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/server"
)

// Handler serves chat completions and model listings.
type Handler struct {
	completer *pipeline.Completer
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(completer *pipeline.Completer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{completer: completer, logger: logger}
}

// Routes mounts the frontdoor under /v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleChatCompletion)
	r.Get("/v1/models", h.HandleListModels)
}

// HandleChatCompletion handles POST /v1/chat/completions.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req upstream.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	if req.Model == "" {
		codec.WriteError(w, domain.ErrInvalidRequest("model is required").WithParam("model"))
		return
	}
	if len(req.Messages) == 0 {
		codec.WriteError(w, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages"))
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)

	if req.Stream {
		h.handleStream(w, r, &req)
		return
	}

	res, err := h.completer.Complete(r.Context(), &req, r.UserAgent())
	if res != nil {
		reportToken(r, res.Token)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res.Response)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *upstream.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		codec.WriteError(w, domain.ErrServer("streaming not supported"))
		return
	}

	s, err := h.completer.Stream(r.Context(), req, r.UserAgent())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reportToken(r, s.Token)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for res := range s.Chunks {
		if res.Err != nil {
			// Headers are gone; the error travels as a final event.
			server.AddError(r.Context(), res.Err)
			fmt.Fprintf(w, "data: %s\n\n", codec.FormatError(res.Err).Body)
			flusher.Flush()
			continue
		}
		data, err := json.Marshal(res.Chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	final := s.Final()
	h.logger.Debug("stream charged", slog.Any("token", final))
}

// HandleListModels handles GET /v1/models.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.completer.ListModels(r.Context(), r.UserAgent())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, err)
}

// reportToken exposes the serving credential through the rate limit headers
// and the request log.
func reportToken(r *http.Request, rec pool.TokenRecord) {
	if rec.ID == 0 {
		return
	}
	info := server.RateLimitInfo{TokenID: rec.ID}
	if rem, limited := rec.Remaining(); limited {
		info.TokensLimit = *rec.Limit
		info.TokensRemaining = rem
		info.HasTokens = true
	}
	server.SetRateLimits(r.Context(), info)
	server.AddLogField(r.Context(), "token_id", fmt.Sprint(rec.ID))
}
