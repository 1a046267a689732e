// Package tokens estimates what a chat call will cost a pooled credential.
// Costs are token counts: exact for models tiktoken knows, a character
// heuristic for everything else.
package tokens

import "context"

// Request is the part of a chat request that costs tokens.
type Request struct {
	Model    string
	Messages []Message
	Tools    []Tool
}

// Message is one chat message.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  any // JSON Schema
}

// Count is the result of counting a request.
type Count struct {
	Tokens int

	// Estimated is set when the count comes from a heuristic.
	Estimated bool
}

// Counter counts tokens for the models it supports.
type Counter interface {
	Count(ctx context.Context, req *Request) (Count, error)
	CountText(model, text string) (int, error)
	Supports(model string) bool
}
