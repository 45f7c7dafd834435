package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"curri-chat/internal/domain"
	"curri-chat/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST request and returns the response body.
// It handles: create request, set headers, execute, read body (with limit),
// and check HTTP status code. Returns a domain error for non-2xx responses.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// doGetRequest performs a GET request and returns the response body.
// Returns a domain error for non-2xx responses.
func doGetRequest(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// authHeaders returns the bearer auth headers for a provider account.
func authHeaders(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

// extractErrorMessage pulls a human-readable message out of a provider
// error body. Both backends wrap errors as {"error":{"message":...}};
// some endpoints use a flat {"message":...}.
func extractErrorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Message != "" {
		return flat.Message
	}
	return strings.TrimSpace(string(body))
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// The refined sentinels let the circuit breaker and callers classify
// provider failures.
func mapHTTPError(statusCode int, body []byte) error {
	msg := extractErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	detail := fmt.Sprintf("API error %d: %s", statusCode, msg)

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

// logGenerationCompleted logs the standard debug message after a successful
// provider call.
func logGenerationCompleted(logger *slog.Logger, providerName string, chunk *domain.Chunk) {
	logger.Debug("generation completed",
		"provider", providerName,
		"model", chunk.Model,
		"tokens", chunk.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// --- shared chat-completions wire types ---

// wireMessage is an outbound chat message. Content is either a plain string
// or a []wireContentPart when image parts are present.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// buildWireMessages serializes the uploadable messages. A message with a
// single text part and no images becomes plain string content; anything
// richer becomes a content-part array. Local images are inlined as base64
// data URLs, remote ones pass through as URLs. Tool results are never
// uploaded.
func buildWireMessages(messages []domain.Message, files domain.FileManager) ([]wireMessage, error) {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if !m.ValidToUpload() {
			continue
		}

		var parts []wireContentPart
		hasImage := false
		for _, p := range m.Parts {
			switch v := p.(type) {
			case domain.TextPart:
				parts = append(parts, wireContentPart{Type: "text", Text: v.Text})
			case domain.ImagePart:
				url := v.URL
				if v.Local {
					resolved, err := files.ResolveImage(v)
					if err != nil {
						return nil, fmt.Errorf("resolve image %q: %w", v.URL, err)
					}
					url = resolved
				}
				parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
				hasImage = true
			}
		}

		wm := wireMessage{Role: m.Role}
		if !hasImage && len(parts) == 1 {
			wm.Content = parts[0].Text
		} else {
			wm.Content = parts
		}
		out = append(out, wm)
	}
	return out, nil
}

// chatRequest is the outbound POST body shared by both backends.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatResponse is the inbound success body shared by both backends.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// fromChatResponse converts a wire response into a domain chunk.
func fromChatResponse(resp chatResponse) *domain.Chunk {
	chunk := &domain.Chunk{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		role := c.Message.Role
		if role == "" {
			role = domain.RoleAssistant
		}
		msg := domain.NewTextMessage(role, c.Message.Content)
		chunk.Choices = append(chunk.Choices, domain.Choice{
			Index:        c.Index,
			Message:      &msg,
			FinishReason: c.FinishReason,
		})
	}
	return chunk
}
