// Package messaging runs the send flow: persist the user turn, dispatch it,
// consult the retry advisor once on failure and roll back when nothing answers.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
)

var (
	ErrBusy             = errors.New("a message is already being sent")
	ErrEmptyMessage     = errors.New("message or image is required")
	ErrModelNotSelected = errors.New("model not selected")
)

const (
	msgModelNotSelected = "Model not selected. Please select a model to start."
	msgEmpty            = "Please enter a message or attach an image."
	msgBusy             = "A message is already being sent. Please wait for the reply."
	msgSendFailed       = "Failed to send message. Please try again."
	msgUnexpected       = "An unexpected error occurred: "
	msgEmptyReply       = "The AI did not return a response. Please try again."
)

// Sessions is the part of the session store the send flow needs.
type Sessions interface {
	Workspace(ctx context.Context, clientID string) (chat.Workspace, error)
	CreateSession(ctx context.Context, clientID, modelID string, first chat.Message) (chat.Session, error)
	AppendMessage(ctx context.Context, clientID, chatID string, message chat.Message) (chat.Message, error)
	RollbackMessage(ctx context.Context, clientID, chatID, messageID string) error
	DiscardSession(ctx context.Context, clientID, chatID, restoreActive, restoreModel string) error
	SetSessionModel(ctx context.Context, clientID, chatID, modelID string) error
}

// Dispatcher sends requests upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req provider.Request) (string, error)
	DispatchStream(ctx context.Context, req provider.Request, onDelta func(string) error) (string, error)
	Available(name catalog.Provider) bool
}

// Advisor decides whether a failed request deserves one more attempt.
type Advisor interface {
	Decide(ctx context.Context, in retry.Input) (retry.Decision, error)
}

// Request is one user turn. An empty Model uses the client's selected model.
type Request struct {
	ClientID string
	Message  string
	Image    string
	Model    string
}

// Result keeps the shape the frontend shows: success with a message, or an error toast.
type Result struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	ChatID      string        `json:"chatId,omitempty"`
	ModelID     string        `json:"modelId,omitempty"`
	UserMessage *chat.Message `json:"userMessage,omitempty"`
	Reply       *chat.Message `json:"reply,omitempty"`
	RetriedWith string        `json:"retriedWith,omitempty"`
	RetryReason string        `json:"retryReason,omitempty"`
}

// Hooks observe a streamed send. Any hook may be nil.
type Hooks struct {
	OnStart func(chatID string, user chat.Message) error
	OnDelta func(delta string) error
	OnRetry func(decision retry.Decision) error
}

// Service runs sends with at most one in-flight request per client.
type Service struct {
	sessions   Sessions
	models     catalog.Store
	dispatcher Dispatcher
	advisor    Advisor

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService wires the send flow. advisor may be nil to disable retries.
func NewService(sessions Sessions, models catalog.Store, dispatcher Dispatcher, advisor Advisor) *Service {
	return &Service{
		sessions:   sessions,
		models:     models,
		dispatcher: dispatcher,
		advisor:    advisor,
		inFlight:   make(map[string]struct{}),
	}
}

// Send dispatches a message and waits for the full reply.
func (s *Service) Send(ctx context.Context, req Request) (Result, error) {
	return s.send(ctx, req, nil)
}

// Stream is Send with incremental output on the first attempt.
func (s *Service) Stream(ctx context.Context, req Request, hooks Hooks) (Result, error) {
	return s.send(ctx, req, &hooks)
}

func (s *Service) acquire(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[clientID]; busy {
		return false
	}
	s.inFlight[clientID] = struct{}{}
	return true
}

func (s *Service) release(clientID string) {
	s.mu.Lock()
	delete(s.inFlight, clientID)
	s.mu.Unlock()
}

type attempt struct {
	reply       string
	retriedWith string
	reason      string
}

func (s *Service) send(ctx context.Context, req Request, hooks *Hooks) (Result, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return Result{Error: chatservice.ErrClientRequired.Error()}, chatservice.ErrClientRequired
	}
	if strings.TrimSpace(req.Message) == "" && req.Image == "" {
		return Result{Error: msgEmpty}, ErrEmptyMessage
	}
	if !s.acquire(req.ClientID) {
		return Result{Error: msgBusy}, ErrBusy
	}
	defer s.release(req.ClientID)

	ws, err := s.sessions.Workspace(ctx, req.ClientID)
	if err != nil {
		return Result{Error: msgUnexpected + err.Error()}, err
	}

	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = ws.SelectedModel
	}
	if modelID == "" {
		return Result{Error: msgModelNotSelected}, ErrModelNotSelected
	}
	m, ok := s.models.Resolve(modelID)
	if !ok {
		return Result{Error: fmt.Sprintf("Unknown model: %s", modelID)}, fmt.Errorf("%w: %s", chatservice.ErrModelNotFound, modelID)
	}

	preq := provider.Request{Model: m, Message: req.Message, Image: req.Image}
	if err := provider.CheckCapabilities(preq); err != nil {
		return Result{Error: err.Error(), ModelID: m.ID}, err
	}

	userMsg := chat.Message{Role: chat.RoleUser, Content: req.Message, Image: req.Image}
	previousActive := ws.ActiveChatID
	previousModel := ws.SelectedModel
	created := false
	switched := false
	var chatID string

	if idx := ws.FindSession(ws.ActiveChatID); idx >= 0 {
		chatID = ws.ActiveChatID
		switched = ws.Sessions[idx].ModelID != m.ID
		preq.History = append([]chat.Message(nil), ws.Sessions[idx].Messages...)
		userMsg, err = s.sessions.AppendMessage(ctx, req.ClientID, chatID, userMsg)
	} else {
		var session chat.Session
		session, err = s.sessions.CreateSession(ctx, req.ClientID, m.ID, userMsg)
		if err == nil {
			chatID = session.ID
			userMsg = session.Messages[0]
			created = true
		}
	}
	if err != nil {
		return Result{Error: msgUnexpected + err.Error()}, err
	}

	result := Result{ChatID: chatID, ModelID: m.ID, UserMessage: &userMsg}
	fail := func(cause error) (Result, error) {
		s.rollback(ctx, req.ClientID, chatID, userMsg.ID, created, previousActive, previousModel)
		result.UserMessage = nil
		result.Error = failureMessage(cause)
		return result, cause
	}

	if hooks != nil && hooks.OnStart != nil {
		if err := hooks.OnStart(chatID, userMsg); err != nil {
			return fail(err)
		}
	}

	out, err := s.dispatchWithRetry(ctx, preq, hooks)
	result.RetryReason = out.reason
	if err != nil {
		return fail(err)
	}

	reply, err := s.sessions.AppendMessage(ctx, req.ClientID, chatID, chat.Message{Role: chat.RoleAssistant, Content: out.reply})
	if err != nil {
		return fail(err)
	}

	// the session records the model the user asked for, as SelectModel would
	if switched {
		if err := s.sessions.SetSessionModel(ctx, req.ClientID, chatID, m.ID); err != nil {
			log.Printf("[messaging] client=%s chat=%s could not record model %s: %v", req.ClientID, chatID, m.ID, err)
		}
	}

	log.Printf("[messaging] client=%s chat=%s model=%s retriedWith=%q replyLength=%d",
		req.ClientID, chatID, m.ID, out.retriedWith, len(out.reply))

	result.Success = true
	result.Message = out.reply
	result.Reply = &reply
	result.RetriedWith = out.retriedWith
	return result, nil
}

func (s *Service) dispatchWithRetry(ctx context.Context, req provider.Request, hooks *Hooks) (attempt, error) {
	var (
		reply string
		err   error
	)
	if hooks != nil && hooks.OnDelta != nil {
		reply, err = s.dispatcher.DispatchStream(ctx, req, hooks.OnDelta)
	} else {
		reply, err = s.dispatcher.Dispatch(ctx, req)
	}
	if err == nil {
		return attempt{reply: reply}, nil
	}
	if ctx.Err() != nil || provider.IsRateLimited(err) || s.advisor == nil {
		return attempt{}, err
	}

	decision, derr := s.advisor.Decide(ctx, retry.Input{
		ErrorMessage:   err.Error(),
		OriginalPrompt: req.Message,
		Models:         s.availableModels(),
		CurrentModel:   req.Model.ID,
		HasImage:       req.Image != "",
	})
	if derr != nil {
		log.Printf("[messaging] retry advisor failed after %v: %v", err, derr)
		return attempt{}, derr
	}
	if !decision.ShouldRetry {
		log.Printf("[messaging] not retrying %s: %s", req.Model.ID, decision.Reason)
		return attempt{reason: decision.Reason}, err
	}

	next := req
	if decision.NewModel != "" {
		m, ok := s.models.FindByID(decision.NewModel)
		if !ok {
			return attempt{reason: decision.Reason}, err
		}
		next.Model = m
	}
	if decision.UpdatedPrompt != "" {
		next.Message = decision.UpdatedPrompt
	}

	if hooks != nil && hooks.OnRetry != nil {
		if herr := hooks.OnRetry(decision); herr != nil {
			return attempt{}, herr
		}
	}

	log.Printf("[messaging] retrying %s with %s: %s", req.Model.ID, next.Model.ID, decision.Reason)
	reply, err = s.dispatcher.Dispatch(ctx, next)
	if err != nil {
		return attempt{reason: decision.Reason}, err
	}
	return attempt{reply: reply, retriedWith: next.Model.ID, reason: decision.Reason}, nil
}

func (s *Service) availableModels() []catalog.Model {
	all := s.models.List()
	out := make([]catalog.Model, 0, len(all))
	for _, m := range all {
		if s.dispatcher.Available(m.Provider) {
			out = append(out, m)
		}
	}
	return out
}

// rollback undoes the user turn. It runs even when the request context is gone.
func (s *Service) rollback(ctx context.Context, clientID, chatID, messageID string, created bool, previousActive, previousModel string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if created {
		err = s.sessions.DiscardSession(ctx, clientID, chatID, previousActive, previousModel)
	} else {
		err = s.sessions.RollbackMessage(ctx, clientID, chatID, messageID)
	}
	if err != nil {
		log.Printf("[messaging] rollback failed client=%s chat=%s: %v", clientID, chatID, err)
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, retry.ErrDecisionFailed):
		return msgSendFailed
	case errors.Is(err, provider.ErrEmptyResponse):
		return msgEmptyReply
	default:
		return msgUnexpected + err.Error()
	}
}
