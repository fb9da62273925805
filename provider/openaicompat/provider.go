package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	polos "github.com/polos-ai/polos-go"
)

// Provider implements polos.LLM for any OpenAI-compatible chat completions
// API. It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// New creates an OpenAI-compatible chat provider.
//
// model is the default model used when a request carries none. Use
// WithBaseURL for OpenRouter, Groq, Ollama, and other compatible backends
// (the /chat/completions path is appended automatically). Provider-level
// options set via WithOptions apply to every request; per-request values on
// the generate request override them.
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Generate sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty the response may carry tool calls.
func (p *Provider) Generate(ctx context.Context, req polos.GenerateRequest) (polos.GenerateResponse, error) {
	body := BuildBody(req, p.model, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return polos.GenerateResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return polos.GenerateResponse{}, p.httpErr(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return polos.GenerateResponse{}, &polos.ErrLLM{Provider: p.name, Message: fmt.Sprintf("read response: %v", err)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return polos.GenerateResponse{}, &polos.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	out, err := ParseResponse(chatResp)
	if err != nil {
		return polos.GenerateResponse{}, &polos.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	out.Raw = raw
	return out, nil
}

// GenerateStream streams text deltas into ch, then returns the final
// accumulated response. Per the LLM contract the channel is left open for
// the caller to close.
func (p *Provider) GenerateStream(ctx context.Context, req polos.GenerateRequest, ch chan<- string) (polos.GenerateResponse, error) {
	body := BuildBody(req, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return polos.GenerateResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return polos.GenerateResponse{}, p.httpErr(resp)
	}

	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &polos.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &polos.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &polos.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body and returns an ErrLLM the retry wrapper
// understands. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &polos.ErrLLM{
		Provider:   p.name,
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: polos.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ polos.LLM = (*Provider)(nil)
