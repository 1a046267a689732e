package openai

import (
	"encoding/json"
	"testing"
)

func TestChatCompletionRequest_PassesUnknownFields(t *testing.T) {
	in := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"response_format":{"type":"json_object"},"logprobs":true}`

	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(in), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.Model != "gpt-4o" || len(req.Messages) != 1 {
		t.Fatalf("modelled fields = %+v", req)
	}

	req.Stream = true
	out, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got map[string]any
	json.Unmarshal(out, &got)
	if got["logprobs"] != true {
		t.Errorf("logprobs lost: %s", out)
	}
	if rf, ok := got["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("response_format lost: %s", out)
	}
	if got["stream"] != true {
		t.Errorf("modelled field did not win over the original body: %s", out)
	}
}

func TestChatCompletionRequest_MarshalWithoutExtra(t *testing.T) {
	out, err := json.Marshal(ChatCompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"model":"gpt-4o","messages":null}` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestChatCompletionResponse_KeepsUnmodelledMembers(t *testing.T) {
	in := `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o","service_tier":"default",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi","refusal":null},"finish_reason":"stop",` +
		`"logprobs":{"content":[{"token":"hi","logprob":-0.1,"top_logprobs":[{"token":"hey","logprob":-2.5}]}]}}],` +
		`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4,"completion_tokens_details":{"reasoning_tokens":0}}}`

	var resp ChatCompletionResponse
	if err := json.Unmarshal([]byte(in), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	lp := resp.Choices[0].Logprobs
	if lp == nil || len(lp.Content) != 1 || lp.Content[0].Token != "hi" || len(lp.Content[0].TopLogprobs) != 1 {
		t.Fatalf("Logprobs = %+v", lp)
	}
	if resp.Usage.CompletionTokens != 1 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got struct {
		ServiceTier string `json:"service_tier"`
		Choices     []struct {
			Message  map[string]json.RawMessage `json:"message"`
			Logprobs struct {
				Content []struct {
					TopLogprobs []struct {
						Token string `json:"token"`
					} `json:"top_logprobs"`
				} `json:"content"`
			} `json:"logprobs"`
		} `json:"choices"`
		Usage map[string]json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if got.ServiceTier != "default" {
		t.Errorf("service_tier lost: %s", out)
	}
	if _, ok := got.Choices[0].Message["refusal"]; !ok {
		t.Errorf("message.refusal lost: %s", out)
	}
	if c := got.Choices[0].Logprobs.Content; len(c) != 1 || len(c[0].TopLogprobs) != 1 || c[0].TopLogprobs[0].Token != "hey" {
		t.Errorf("logprobs lost: %s", out)
	}
	if _, ok := got.Usage["completion_tokens_details"]; !ok {
		t.Errorf("usage details lost: %s", out)
	}
}

func TestChatCompletionChunk_KeepsUnmodelledMembers(t *testing.T) {
	in := `{"id":"c1","object":"chat.completion.chunk","service_tier":"default",` +
		`"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null,"logprobs":{"content":[{"token":"hi","logprob":-0.1}]}}]}`

	var chunk ChatCompletionChunk
	if err := json.Unmarshal([]byte(in), &chunk); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if chunk.Choices[0].Logprobs == nil || chunk.Choices[0].Logprobs.Content[0].Logprob != -0.1 {
		t.Fatalf("Logprobs = %+v", chunk.Choices[0].Logprobs)
	}

	out, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	json.Unmarshal(out, &got)
	if got["service_tier"] != "default" {
		t.Errorf("service_tier lost: %s", out)
	}
	choice := got["choices"].([]any)[0].(map[string]any)
	if _, ok := choice["logprobs"].(map[string]any); !ok {
		t.Errorf("logprobs lost: %s", out)
	}
}

func TestChatCompletionMessage_ModelledFieldsWin(t *testing.T) {
	var msg ChatCompletionMessage
	if err := json.Unmarshal([]byte(`{"role":"assistant","content":"draft"}`), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	msg.Content = "final"

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"content":"final","role":"assistant"}` {
		t.Errorf("Marshal() = %s", out)
	}
}
