package stream

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/messaging"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Base64 inflates a 10 MiB image to roughly 14 MiB.
const maxBodyBytes = 16 << 20

// Messenger runs the send flow.
type Messenger interface {
	Send(ctx context.Context, req messaging.Request) (messaging.Result, error)
	Stream(ctx context.Context, req messaging.Request, hooks messaging.Hooks) (messaging.Result, error)
}

// Handler sends user messages, either as one JSON reply or as Server-Sent Events.
type Handler struct {
	messenger Messenger
}

// New creates a new stream handler
func New(messenger Messenger) *Handler {
	return &Handler{messenger: messenger}
}

// RegisterRoutes mounts the send endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSend)
	r.Post("/stream", h.handleStream)
}

type sendPayload struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
	Model   string `json:"model,omitempty"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (messaging.Request, bool) {
	var payload sendPayload
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, messaging.Result{Error: "invalid request body"})
		return messaging.Request{}, false
	}
	return messaging.Request{
		ClientID: middleware.ClientIDFrom(r.Context()),
		Message:  payload.Message,
		Image:    payload.Image,
		Model:    payload.Model,
	}, true
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := h.messenger.Send(r.Context(), req)
	if err != nil {
		log.Printf("[messages] client=%s send failed: %v", req.ClientID, err)
		utils.RespondJSON(w, StatusFor(err), result)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// StartEvent opens a streamed reply.
type StartEvent struct {
	ChatID      string       `json:"chatId"`
	UserMessage chat.Message `json:"userMessage"`
}

// DeltaEvent carries one piece of the reply.
type DeltaEvent struct {
	Content string `json:"content"`
}

// EndEvent closes the stream.
type EndEvent struct {
	ChatID   string `json:"chatId,omitempty"`
	Finished bool   `json:"finished"`
}

// sseWriter sends headers with the first event so that failures before any
// output can still use a regular status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) send(event string, data any) error {
	if !s.started {
		utils.SetupSSEHeaders(s.w)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	return utils.SendSSEEvent(s.w, s.flusher, event, data)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	out := &sseWriter{w: w, flusher: flusher}
	hooks := messaging.Hooks{
		OnStart: func(chatID string, user chat.Message) error {
			return out.send("start", StartEvent{ChatID: chatID, UserMessage: user})
		},
		OnDelta: func(delta string) error {
			return out.send("delta", DeltaEvent{Content: delta})
		},
		OnRetry: func(decision retry.Decision) error {
			return out.send("retry", decision)
		},
	}

	result, err := h.messenger.Stream(r.Context(), req, hooks)
	if err != nil {
		log.Printf("[stream] client=%s stream failed: %v", req.ClientID, err)
		if !out.started {
			utils.RespondJSON(w, StatusFor(err), result)
			return
		}
		if sendErr := out.send("error", result); sendErr != nil {
			log.Printf("[stream] client=%s could not report error: %v", req.ClientID, sendErr)
		}
		return
	}

	if err := out.send("message", result); err != nil {
		log.Printf("[stream] client=%s disconnected before final message: %v", req.ClientID, err)
		return
	}
	if err := out.send("end", EndEvent{ChatID: result.ChatID, Finished: true}); err != nil {
		log.Printf("[stream] client=%s disconnected before end: %v", req.ClientID, err)
		return
	}
	log.Printf("[stream] completed response for client=%s chat=%s", req.ClientID, result.ChatID)
}

// StatusFor maps a send failure to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage),
		errors.Is(err, messaging.ErrModelNotSelected),
		errors.Is(err, chatService.ErrClientRequired),
		errors.Is(err, chatService.ErrModelNotFound),
		errors.Is(err, provider.ErrUnsupportedCapability):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrUpstream),
		errors.Is(err, provider.ErrNetwork),
		errors.Is(err, provider.ErrMalformedResponse),
		errors.Is(err, provider.ErrEmptyResponse),
		errors.Is(err, retry.ErrDecisionFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
