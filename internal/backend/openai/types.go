package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-token-pool/internal/domain"
)

// ChatCompletionRequest represents an OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model               string                  `json:"model"`
	Messages            []ChatCompletionMessage `json:"messages"`
	MaxTokens           int                     `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                     `json:"max_completion_tokens,omitempty"`
	Temperature         *float32                `json:"temperature,omitempty"`
	TopP                *float32                `json:"top_p,omitempty"`
	N                   int                     `json:"n,omitempty"`
	Stream              bool                    `json:"stream,omitempty"`
	StreamOptions       *StreamOptions          `json:"stream_options,omitempty"`
	Stop                []string                `json:"stop,omitempty"`
	User                string                  `json:"user,omitempty"`
	Tools               []Tool                  `json:"tools,omitempty"`
	ToolChoice          any                     `json:"tool_choice,omitempty"`
	Seed                *int                    `json:"seed,omitempty"`

	// Extra carries request fields this package does not model, so they
	// reach the upstream unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

type chatCompletionRequestFields ChatCompletionRequest

func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	var fields chatCompletionRequestFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*r = ChatCompletionRequest(fields)
	r.Extra = extra
	return nil
}

// MarshalJSON writes the modelled fields, then any Extra field they did not
// already set.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(chatCompletionRequestFields(r), r.Extra)
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage represents a message in the chat completion request/response.
type ChatCompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// Extra holds members such as refusal or audio.
	Extra map[string]json.RawMessage `json:"-"`
}

type chatCompletionMessageFields ChatCompletionMessage

func (m *ChatCompletionMessage) UnmarshalJSON(data []byte) error {
	var fields chatCompletionMessageFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*m = ChatCompletionMessage(fields)
	m.Extra = extra
	return nil
}

func (m ChatCompletionMessage) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(chatCompletionMessageFields(m), m.Extra)
}

// Tool represents a tool that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

// FunctionTool describes a function tool.
type FunctionTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse represents an OpenAI chat completion response.
// Members the gateway does not model, such as service_tier, are kept in
// Extra and written back out.
type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`

	Extra map[string]json.RawMessage `json:"-"`
}

type chatCompletionResponseFields ChatCompletionResponse

func (r *ChatCompletionResponse) UnmarshalJSON(data []byte) error {
	var fields chatCompletionResponseFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*r = ChatCompletionResponse(fields)
	r.Extra = extra
	return nil
}

func (r ChatCompletionResponse) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(chatCompletionResponseFields(r), r.Extra)
}

// Choice represents a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
	Logprobs     *Logprobs             `json:"logprobs,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type choiceFields Choice

func (c *Choice) UnmarshalJSON(data []byte) error {
	var fields choiceFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*c = Choice(fields)
	c.Extra = extra
	return nil
}

func (c Choice) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(choiceFields(c), c.Extra)
}

// Logprobs contains log probability information.
type Logprobs struct {
	Content []LogprobContent `json:"content,omitempty"`
	Refusal []LogprobContent `json:"refusal,omitempty"`
}

// LogprobContent contains token log probabilities.
type LogprobContent struct {
	Token       string       `json:"token"`
	Logprob     float64      `json:"logprob"`
	Bytes       []int        `json:"bytes,omitempty"`
	TopLogprobs []TopLogprob `json:"top_logprobs,omitempty"`
}

// TopLogprob is one of the most likely tokens at a position.
type TopLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes,omitempty"`
}

// Usage represents token usage information. The *_tokens_details members
// are carried in Extra.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Extra map[string]json.RawMessage `json:"-"`
}

type usageFields Usage

func (u *Usage) UnmarshalJSON(data []byte) error {
	var fields usageFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*u = Usage(fields)
	u.Extra = extra
	return nil
}

func (u Usage) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(usageFields(u), u.Extra)
}

// ChatCompletionChunk represents a streaming chunk.
type ChatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`
	Choices           []ChunkChoice `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type chatCompletionChunkFields ChatCompletionChunk

func (c *ChatCompletionChunk) UnmarshalJSON(data []byte) error {
	var fields chatCompletionChunkFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*c = ChatCompletionChunk(fields)
	c.Extra = extra
	return nil
}

func (c ChatCompletionChunk) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(chatCompletionChunkFields(c), c.Extra)
}

// ChunkChoice represents a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
	Logprobs     *Logprobs  `json:"logprobs,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type chunkChoiceFields ChunkChoice

func (c *ChunkChoice) UnmarshalJSON(data []byte) error {
	var fields chunkChoiceFields
	extra, err := decodeWithExtra(data, &fields)
	if err != nil {
		return err
	}
	*c = ChunkChoice(fields)
	c.Extra = extra
	return nil
}

func (c ChunkChoice) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(chunkChoiceFields(c), c.Extra)
}

// ChunkDelta represents the delta content in a streaming chunk.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallChunk `json:"tool_calls,omitempty"`
}

// ToolCallChunk represents a partial tool call in streaming.
type ToolCallChunk struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallChunk `json:"function,omitempty"`
}

// FunctionCallChunk represents a partial function call.
type FunctionCallChunk struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Model represents an OpenAI model.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList represents a list of models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse represents an OpenAI API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToCanonical converts the OpenAI API error to a canonical domain error.
func (e *APIError) ToCanonical() *domain.APIError {
	errType, code := mapOpenAIErrorType(e.Type, e.Code, e.Message)
	return &domain.APIError{
		Type:    errType,
		Code:    code,
		Message: e.Message,
		Param:   e.Param,
	}
}

// mapOpenAIErrorType maps OpenAI error types/codes to domain error types.
func mapOpenAIErrorType(errType, errCode, message string) (domain.ErrorType, domain.ErrorCode) {
	switch errCode {
	case "context_length_exceeded":
		return domain.ErrorTypeContextLength, domain.ErrorCodeContextLengthExceeded
	case "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeRateLimitExceeded
	case "insufficient_quota":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeQuotaExceeded
	case "invalid_api_key":
		return domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidAPIKey
	case "model_not_found":
		return domain.ErrorTypeNotFound, domain.ErrorCodeModelNotFound
	}

	msgLower := strings.ToLower(message)
	if strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "context window") {
		return domain.ErrorTypeContextLength, domain.ErrorCodeContextLengthExceeded
	}

	switch errType {
	case "invalid_request_error":
		return domain.ErrorTypeInvalidRequest, ""
	case "authentication_error":
		return domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidAPIKey
	case "not_found":
		return domain.ErrorTypeNotFound, domain.ErrorCodeModelNotFound
	case "rate_limit_error", "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeRateLimitExceeded
	case "service_unavailable":
		return domain.ErrorTypeOverloaded, ""
	default:
		return domain.ErrorTypeServer, ""
	}
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}

// upstreamError turns a non-200 response body into a canonical error.
func upstreamError(status int, body []byte) *domain.APIError {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToCanonical()
	}
	errType := domain.ErrorTypeServer
	switch status {
	case http.StatusUnauthorized:
		errType = domain.ErrorTypeAuthentication
	case http.StatusTooManyRequests:
		errType = domain.ErrorTypeRateLimit
	case http.StatusServiceUnavailable:
		errType = domain.ErrorTypeOverloaded
	}
	return domain.NewAPIError(errType, "upstream returned status "+http.StatusText(status)+": "+string(body))
}
