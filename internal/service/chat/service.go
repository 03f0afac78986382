package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/storage"
)

var (
	ErrClientRequired  = errors.New("client id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrModelNotFound   = errors.New("model not found")
	ErrInvalidState    = errors.New("invalid persisted state")
	ErrMessageNotLast  = errors.New("only the latest message can be rolled back")
)

// Service keeps each client's chat sessions, active chat and selected model
// synchronized with key-value storage.
type Service struct {
	kv           storage.KV
	models       catalog.Store
	defaultModel string

	mu    sync.Mutex
	locks map[string]*clientLock
	now   func() time.Time
}

// clientLock is dropped from the map once nobody holds or waits for it.
type clientLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires the session store. An empty defaultModel falls back to
// catalog.DefaultModelID, or to the first catalog model when that is missing.
// A configured defaultModel must be in the catalog.
func NewService(kv storage.KV, models catalog.Store, defaultModel string) (*Service, error) {
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = catalog.DefaultModelID
		if _, ok := models.FindByID(defaultModel); !ok {
			if all := models.List(); len(all) > 0 {
				defaultModel = all[0].ID
			}
		}
	}
	if _, ok := models.FindByID(defaultModel); !ok {
		return nil, fmt.Errorf("%w: default model %s", ErrModelNotFound, defaultModel)
	}
	return &Service{
		kv:           kv,
		models:       models,
		defaultModel: defaultModel,
		locks:        make(map[string]*clientLock),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// DefaultModel returns the model selected for fresh chats.
func (s *Service) DefaultModel() string {
	return s.defaultModel
}

// lock serializes read-modify-write cycles of one client's workspace.
func (s *Service) lock(clientID string) func() {
	s.mu.Lock()
	l, ok := s.locks[clientID]
	if !ok {
		l = &clientLock{}
		s.locks[clientID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, clientID)
		}
		s.mu.Unlock()
	}
}

// Workspace loads and reconciles the client's persisted state.
func (s *Service) Workspace(ctx context.Context, clientID string) (chat.Workspace, error) {
	if clientID == "" {
		return chat.Workspace{}, ErrClientRequired
	}
	unlock := s.lock(clientID)
	defer unlock()
	return s.load(ctx, clientID)
}

// ListSessions returns every session, newest first.
func (s *Service) ListSessions(ctx context.Context, clientID string) ([]chat.Session, error) {
	ws, err := s.Workspace(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return ws.Sessions, nil
}

// SearchSessions returns sessions whose title or any message contains query (case-insensitive).
func (s *Service) SearchSessions(ctx context.Context, clientID, query string) ([]chat.Session, error) {
	sessions, err := s.ListSessions(ctx, clientID)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return sessions, nil
	}

	matched := make([]chat.Session, 0, len(sessions))
	for _, session := range sessions {
		if sessionMatches(session, needle) {
			matched = append(matched, session)
		}
	}
	return matched, nil
}

func sessionMatches(session chat.Session, needle string) bool {
	if strings.Contains(strings.ToLower(session.Title), needle) {
		return true
	}
	for _, msg := range session.Messages {
		if strings.Contains(strings.ToLower(msg.Content), needle) {
			return true
		}
	}
	return false
}

// GetSession retrieves a session by identifier without changing the active chat.
func (s *Service) GetSession(ctx context.Context, clientID, chatID string) (chat.Session, error) {
	ws, err := s.Workspace(ctx, clientID)
	if err != nil {
		return chat.Session{}, err
	}
	idx := ws.FindSession(chatID)
	if idx < 0 {
		return chat.Session{}, ErrSessionNotFound
	}
	return ws.Sessions[idx], nil
}

// SwitchChat makes chatID the active chat and selects its model.
func (s *Service) SwitchChat(ctx context.Context, clientID, chatID string) (chat.Session, error) {
	var session chat.Session
	err := s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		session = ws.Sessions[idx]
		ws.ActiveChatID = session.ID
		ws.SelectedModel = session.ModelID
		return nil
	})
	return session, err
}

// StartNewChat clears the active chat and resets the selected model.
func (s *Service) StartNewChat(ctx context.Context, clientID string) error {
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		ws.ActiveChatID = ""
		ws.SelectedModel = s.defaultModel
		return nil
	})
}

// CreateSession provisions a session whose first message is first and makes it active.
func (s *Service) CreateSession(ctx context.Context, clientID, modelID string, first chat.Message) (chat.Session, error) {
	if _, ok := s.models.FindByID(modelID); !ok {
		return chat.Session{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	first = s.stamp(first)
	session := chat.Session{
		ID:        uuid.NewString(),
		Title:     chat.TitleFrom(first.Content),
		CreatedAt: s.now(),
		ModelID:   modelID,
		Messages:  []chat.Message{first},
	}

	err := s.update(ctx, clientID, func(ws *chat.Workspace) error {
		ws.Sessions = append([]chat.Session{session}, ws.Sessions...)
		ws.ActiveChatID = session.ID
		ws.SelectedModel = modelID
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// AppendMessage adds message to the end of the session history.
func (s *Service) AppendMessage(ctx context.Context, clientID, chatID string, message chat.Message) (chat.Message, error) {
	message = s.stamp(message)
	err := s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		ws.Sessions[idx].Messages = append(ws.Sessions[idx].Messages, message)
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// RollbackMessage removes messageID when it is still the session's latest message.
func (s *Service) RollbackMessage(ctx context.Context, clientID, chatID, messageID string) error {
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		msgs := ws.Sessions[idx].Messages
		if len(msgs) == 0 || msgs[len(msgs)-1].ID != messageID {
			return ErrMessageNotLast
		}
		ws.Sessions[idx].Messages = msgs[:len(msgs)-1]
		return nil
	})
}

// DiscardSession deletes a session created by a failed send and restores the
// active chat and selected model that were in place before it.
func (s *Service) DiscardSession(ctx context.Context, clientID, chatID, restoreActive, restoreModel string) error {
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		ws.Sessions = append(ws.Sessions[:idx], ws.Sessions[idx+1:]...)
		if ws.ActiveChatID == chatID {
			ws.ActiveChatID = restoreActive
			if restoreModel != "" {
				ws.SelectedModel = restoreModel
			}
		}
		return nil
	})
}

// SetSessionModel records the model a session was last answered with. When the
// session is active the selected model follows it.
func (s *Service) SetSessionModel(ctx context.Context, clientID, chatID, modelID string) error {
	if _, ok := s.models.FindByID(modelID); !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		ws.Sessions[idx].ModelID = modelID
		if ws.ActiveChatID == chatID {
			ws.SelectedModel = modelID
		}
		return nil
	})
}

// DeleteSession removes a session permanently.
func (s *Service) DeleteSession(ctx context.Context, clientID, chatID string) error {
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		ws.Sessions = append(ws.Sessions[:idx], ws.Sessions[idx+1:]...)
		if ws.ActiveChatID == chatID {
			ws.ActiveChatID = ""
		}
		return nil
	})
}

// RenameSession changes a session title.
func (s *Service) RenameSession(ctx context.Context, clientID, chatID, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Session{}, fmt.Errorf("%w: title is required", ErrInvalidState)
	}

	var session chat.Session
	err := s.update(ctx, clientID, func(ws *chat.Workspace) error {
		idx := ws.FindSession(chatID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		ws.Sessions[idx].Title = title
		session = ws.Sessions[idx]
		return nil
	})
	return session, err
}

// SelectModel changes the selected model. The active session follows the selection
// so that switching back to it restores the latest choice.
func (s *Service) SelectModel(ctx context.Context, clientID, modelID string) error {
	if _, ok := s.models.FindByID(modelID); !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return s.update(ctx, clientID, func(ws *chat.Workspace) error {
		ws.SelectedModel = modelID
		if idx := ws.FindSession(ws.ActiveChatID); idx >= 0 {
			ws.Sessions[idx].ModelID = modelID
		}
		return nil
	})
}

// ExportState returns the raw persisted blobs keyed by storage key name.
func (s *Service) ExportState(ctx context.Context, clientID string) (map[string]string, error) {
	ws, err := s.Workspace(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return encodeWorkspace(ws)
}

// ImportState replaces the client's state with raw blobs, e.g. pushed from a browser.
// Every blob must parse; the result is reconciled before it is saved.
func (s *Service) ImportState(ctx context.Context, clientID string, blobs map[string]string) (chat.Workspace, error) {
	if clientID == "" {
		return chat.Workspace{}, ErrClientRequired
	}

	ws, err := decodeWorkspace(blobs, true)
	if err != nil {
		return chat.Workspace{}, err
	}

	unlock := s.lock(clientID)
	defer unlock()

	s.reconcile(&ws)
	if err := s.save(ctx, clientID, ws); err != nil {
		return chat.Workspace{}, err
	}
	return ws, nil
}

func (s *Service) update(ctx context.Context, clientID string, mutate func(ws *chat.Workspace) error) error {
	if clientID == "" {
		return ErrClientRequired
	}

	unlock := s.lock(clientID)
	defer unlock()

	ws, err := s.load(ctx, clientID)
	if err != nil {
		return err
	}
	if err := mutate(&ws); err != nil {
		return err
	}
	return s.save(ctx, clientID, ws)
}

func (s *Service) stamp(message chat.Message) chat.Message {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	return message
}

func (s *Service) load(ctx context.Context, clientID string) (chat.Workspace, error) {
	blobs := make(map[string]string, 3)
	for _, name := range []string{storage.KeyChatHistory, storage.KeyActiveChatID, storage.KeySelectedModel} {
		value, ok, err := s.kv.Get(ctx, storage.Key(clientID, name))
		if err != nil {
			return chat.Workspace{}, fmt.Errorf("failed to load %s: %w", name, err)
		}
		if ok {
			blobs[name] = value
		}
	}

	ws, err := decodeWorkspace(blobs, false)
	if err != nil {
		// decodeWorkspace is lenient here; it only reports what it dropped.
		log.Printf("[chat] client=%s: %v", clientID, err)
	}
	s.reconcile(&ws)
	return ws, nil
}

func (s *Service) reconcile(ws *chat.Workspace) {
	if ws.Sessions == nil {
		ws.Sessions = []chat.Session{}
	}
	for i := range ws.Sessions {
		if _, ok := s.models.FindByID(ws.Sessions[i].ModelID); !ok {
			ws.Sessions[i].ModelID = s.defaultModel
		}
	}
	if ws.ActiveChatID != "" && ws.FindSession(ws.ActiveChatID) < 0 {
		ws.ActiveChatID = ""
	}
	if _, ok := s.models.FindByID(ws.SelectedModel); !ok {
		ws.SelectedModel = s.defaultModel
	}
}

func (s *Service) save(ctx context.Context, clientID string, ws chat.Workspace) error {
	blobs, err := encodeWorkspace(ws)
	if err != nil {
		return err
	}

	for _, name := range []string{storage.KeyChatHistory, storage.KeySelectedModel} {
		if err := s.kv.Set(ctx, storage.Key(clientID, name), blobs[name]); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}

	activeKey := storage.Key(clientID, storage.KeyActiveChatID)
	if active, ok := blobs[storage.KeyActiveChatID]; ok {
		if err := s.kv.Set(ctx, activeKey, active); err != nil {
			return fmt.Errorf("failed to save %s: %w", storage.KeyActiveChatID, err)
		}
	} else if err := s.kv.Delete(ctx, activeKey); err != nil {
		return fmt.Errorf("failed to clear %s: %w", storage.KeyActiveChatID, err)
	}
	return nil
}

func encodeWorkspace(ws chat.Workspace) (map[string]string, error) {
	sessions := ws.Sessions
	if sessions == nil {
		sessions = []chat.Session{}
	}

	history, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("encode chat history: %w", err)
	}
	model, err := json.Marshal(ws.SelectedModel)
	if err != nil {
		return nil, fmt.Errorf("encode selected model: %w", err)
	}

	blobs := map[string]string{
		storage.KeyChatHistory:   string(history),
		storage.KeySelectedModel: string(model),
	}
	if ws.ActiveChatID != "" {
		active, err := json.Marshal(ws.ActiveChatID)
		if err != nil {
			return nil, fmt.Errorf("encode active chat id: %w", err)
		}
		blobs[storage.KeyActiveChatID] = string(active)
	}
	return blobs, nil
}

// decodeWorkspace parses raw blobs. In strict mode the first bad blob fails the
// decode; otherwise bad blobs are dropped and reported together.
func decodeWorkspace(blobs map[string]string, strict bool) (chat.Workspace, error) {
	var (
		ws   chat.Workspace
		errs []error
	)

	if raw, ok := blobs[storage.KeyChatHistory]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ws.Sessions); err != nil {
			ws.Sessions = nil
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidState, storage.KeyChatHistory, err))
		}
	}
	if raw, ok := blobs[storage.KeyActiveChatID]; ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &ws.ActiveChatID); err != nil {
			ws.ActiveChatID = ""
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidState, storage.KeyActiveChatID, err))
		}
	}
	if raw, ok := blobs[storage.KeySelectedModel]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ws.SelectedModel); err != nil {
			ws.SelectedModel = ""
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidState, storage.KeySelectedModel, err))
		}
	}

	if len(errs) == 0 {
		return ws, nil
	}
	if strict {
		return chat.Workspace{}, errs[0]
	}
	return ws, errors.Join(errs...)
}
