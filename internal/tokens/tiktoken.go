package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chat framing overhead, per OpenAI's cookbook accounting.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerTool    = 7
	replyPriming     = 3
)

// encodingPrefixes maps model name prefixes to their tiktoken encoding.
// The first matching prefix wins.
var encodingPrefixes = []struct {
	prefix   string
	encoding tokenizer.Encoding
}{
	{"gpt-5", tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.O200kBase},
	{"gpt-4o", tokenizer.O200kBase},
	{"o1", tokenizer.O200kBase},
	{"o3", tokenizer.O200kBase},
	{"o4", tokenizer.O200kBase},
	{"gpt-4", tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.Cl100kBase},
	{"text-embedding", tokenizer.Cl100kBase},
	{"text-davinci", tokenizer.P50kBase},
	{"davinci", tokenizer.R50kBase},
	{"curie", tokenizer.R50kBase},
	{"babbage", tokenizer.R50kBase},
	{"ada", tokenizer.R50kBase},
}

var supportedPrefixes = []string{"gpt-", "o1", "o3", "o4", "text-embedding", "text-davinci"}

var legacyModels = map[string]bool{"davinci": true, "curie": true, "babbage": true, "ada": true}

// modelToEncoding picks the encoding for a model. Unknown and future models
// default to o200k_base.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	for _, e := range encodingPrefixes {
		if strings.HasPrefix(model, e.prefix) {
			return e.encoding
		}
	}
	return tokenizer.O200kBase
}

// TiktokenCounter counts exactly for OpenAI models.
type TiktokenCounter struct {
	codecs sync.Map // tokenizer.Encoding -> tokenizer.Codec
}

// NewTiktokenCounter creates a TiktokenCounter. Codecs load on first use.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	enc := modelToEncoding(model)
	if cached, ok := c.codecs.Load(enc); ok {
		return cached.(tokenizer.Codec), nil
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", enc, err)
	}
	actual, _ := c.codecs.LoadOrStore(enc, codec)
	return actual.(tokenizer.Codec), nil
}

func (c *TiktokenCounter) Count(_ context.Context, req *Request) (Count, error) {
	codec, err := c.codec(req.Model)
	if err != nil {
		return Count{}, err
	}
	encode := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := replyPriming
	for _, m := range req.Messages {
		total += tokensPerMessage + tokensPerRole + encode(m.Content) + encode(m.Name)
	}
	for _, t := range req.Tools {
		total += tokensPerTool + encode(t.Name) + encode(t.Description)
		if t.Parameters != nil {
			if raw, err := json.Marshal(t.Parameters); err == nil {
				total += encode(string(raw))
			}
		}
	}
	return Count{Tokens: total}, nil
}

func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Supports reports whether model is an OpenAI model.
func (c *TiktokenCounter) Supports(model string) bool {
	model = strings.ToLower(model)
	if legacyModels[model] {
		return true
	}
	for _, p := range supportedPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
