package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const (
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// maxResponseSize bounds non-streaming response bodies.
	maxResponseSize = 10 << 20
)

// OpenRouterConfig configures the OpenRouter client.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Referer string
	Title   string
	Timeout time.Duration
}

// OpenRouter talks to the OpenRouter chat completions API.
type OpenRouter struct {
	cfg    OpenRouterConfig
	client *http.Client
}

func NewOpenRouter(cfg OpenRouterConfig, client *http.Client) (*OpenRouter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		// streaming requests are bounded by the caller's context instead
		client = &http.Client{}
	}
	return &OpenRouter{cfg: cfg, client: client}, nil
}

func (o *OpenRouter) Name() catalog.Provider { return catalog.OpenRouter }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type openRouterMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type openRouterRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream,omitempty"`
}

type apiError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

func buildParts(text, image string) []contentPart {
	parts := []contentPart{{Type: "text", Text: text}}
	if image != "" {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: image}})
	}
	return parts
}

func buildOpenRouterMessages(history []chat.Message, message, image string) []openRouterMessage {
	messages := make([]openRouterMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, openRouterMessage{
			Role:    string(msg.Role),
			Content: buildParts(msg.Content, msg.Image),
		})
	}
	return append(messages, openRouterMessage{Role: string(chat.RoleUser), Content: buildParts(message, image)})
}

func (o *OpenRouter) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body, err := json.Marshal(openRouterRequest{
		Model:    req.Model.ID,
		Messages: buildOpenRouterMessages(req.History, req.Message, req.Image),
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", o.cfg.Referer)
	}
	if o.cfg.Title != "" {
		httpReq.Header.Set("X-Title", o.cfg.Title)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (o *OpenRouter) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, newError(catalog.OpenRouter, KindNetwork, 0, err.Error(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		var parsed openRouterResponse
		message := ""
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			message = parsed.Error.Message
		}
		return nil, statusError(catalog.OpenRouter, resp.StatusCode, message)
	}
	return resp, nil
}

// Complete sends one non-streaming chat completion.
func (o *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	httpReq, err := o.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := o.do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", newError(catalog.OpenRouter, KindNetwork, resp.StatusCode, err.Error(), err)
	}
	var parsed openRouterResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", newError(catalog.OpenRouter, KindMalformed, resp.StatusCode, "Malformed response from OpenRouter", err)
	}
	// OpenRouter reports some upstream failures inside a 200 body
	if parsed.Error != nil {
		return "", newError(catalog.OpenRouter, KindHTTP, resp.StatusCode, parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", newError(catalog.OpenRouter, KindEmpty, resp.StatusCode, emptyReplyMessage, nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream sends a streaming completion and forwards each content delta.
func (o *OpenRouter) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	ctx, cancel := withTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	httpReq, err := o.newRequest(ctx, req, true)
	if err != nil {
		return "", err
	}
	resp, err := o.do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// blank separators and ": OPENROUTER PROCESSING" keep-alives
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk openRouterResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", newError(catalog.OpenRouter, KindMalformed, resp.StatusCode, "Malformed stream chunk from OpenRouter", err)
		}
		if chunk.Error != nil {
			return "", newError(catalog.OpenRouter, KindHTTP, resp.StatusCode, chunk.Error.Message, nil)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", newError(catalog.OpenRouter, KindNetwork, resp.StatusCode, err.Error(), err)
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", newError(catalog.OpenRouter, KindEmpty, resp.StatusCode, emptyReplyMessage, nil)
	}
	return full.String(), nil
}

// withTimeout applies d when positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
