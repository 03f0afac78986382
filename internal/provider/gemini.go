package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey  string
	Timeout time.Duration
}

// Gemini serves catalog models through the Google Generative Language API.
type Gemini struct {
	client  *genai.Client
	timeout time.Duration
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, timeout: cfg.Timeout}, nil
}

func (g *Gemini) Name() catalog.Provider { return catalog.Gemini }

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) session(req Request) (*genai.ChatSession, []genai.Part, error) {
	history, err := geminiHistory(req.History)
	if err != nil {
		return nil, nil, err
	}
	parts, err := geminiParts(req.Message, req.Image)
	if err != nil {
		return nil, nil, err
	}
	cs := g.client.GenerativeModel(req.Model.ID).StartChat()
	cs.History = history
	return cs, parts, nil
}

// Complete sends the turn and returns the concatenated text of the first candidate.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	cs, parts, err := g.session(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := extractText(resp)
	if strings.TrimSpace(text) == "" {
		return "", newError(catalog.Gemini, KindEmpty, 0, emptyReplyMessage, nil)
	}
	return text, nil
}

// Stream forwards text as Gemini produces it.
func (g *Gemini) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	cs, parts, err := g.session(req)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	iter := cs.SendMessageStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", classifyGeminiError(err)
		}
		delta := extractText(resp)
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", newError(catalog.Gemini, KindEmpty, 0, emptyReplyMessage, nil)
	}
	return full.String(), nil
}

func geminiRole(role chat.Role) string {
	if role == chat.RoleAssistant {
		return "model"
	}
	return "user"
}

// geminiParts omits empty text; the API rejects empty text parts.
func geminiParts(text, image string) ([]genai.Part, error) {
	var parts []genai.Part
	if text != "" {
		parts = append(parts, genai.Text(text))
	}
	if image == "" {
		return parts, nil
	}
	img, err := ParseDataURL(image)
	if err != nil {
		return nil, &Error{Provider: catalog.Gemini, Kind: KindCapability, Message: err.Error(), Err: err}
	}
	return append(parts, genai.Blob{MIMEType: img.MIMEType, Data: img.Data}), nil
}

func geminiHistory(history []chat.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		parts, err := geminiParts(msg.Content, msg.Image)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: geminiRole(msg.Role), Parts: parts})
	}
	return contents, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		// only the first candidate is shown
		break
	}
	return sb.String()
}

func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newError(catalog.Gemini, KindMalformed, 0, "Gemini blocked the response: "+blocked.Error(), err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = apiErr.Error()
		}
		if apiErr.Code == http.StatusTooManyRequests {
			return newError(catalog.Gemini, KindRateLimit, apiErr.Code, message, err)
		}
		return newError(catalog.Gemini, KindHTTP, apiErr.Code, message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(catalog.Gemini, KindNetwork, 0, err.Error(), err)
	}
	message := err.Error()
	if strings.Contains(message, "RESOURCE_EXHAUSTED") {
		return newError(catalog.Gemini, KindRateLimit, http.StatusTooManyRequests, message, err)
	}
	return newError(catalog.Gemini, KindHTTP, 0, message, err)
}
