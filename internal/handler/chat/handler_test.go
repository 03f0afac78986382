package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/storage"
)

const testClient = "client-a"

func setupRouter(t *testing.T) (*chi.Mux, *chatservice.Service) {
	t.Helper()
	models := catalog.NewMemoryStore(catalog.Seed())
	chatSvc, err := chatservice.NewService(storage.NewMemory(), models, catalog.DefaultModelID)
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	handler := New(chatSvc)

	r := chi.NewRouter()
	r.Use(middleware.ClientID)
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func doRequest(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.ClientIDHeader, testClient)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func seedSession(t *testing.T, svc *chatservice.Service, content string) chat.Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), testClient, catalog.DefaultModelID,
		chat.Message{Role: chat.RoleUser, Content: content})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestListChatsEmpty(t *testing.T) {
	r, _ := setupRouter(t)
	resp := doRequest(r, http.MethodGet, "/chats", nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body workspaceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ChatHistory) != 0 {
		t.Fatalf("expected no chats, got %d", len(body.ChatHistory))
	}
	if body.SelectedModel != catalog.DefaultModelID {
		t.Fatalf("expected default model, got %q", body.SelectedModel)
	}
}

func TestListChatsSearch(t *testing.T) {
	r, svc := setupRouter(t)
	seedSession(t, svc, "tell me about golang")
	seedSession(t, svc, "recipe for pancakes")

	resp := doRequest(r, http.MethodGet, "/chats?q=GOLANG", nil)
	var body workspaceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ChatHistory) != 1 || body.ChatHistory[0].Title != "tell me about golang" {
		t.Fatalf("unexpected search result: %+v", body.ChatHistory)
	}
}

func TestSwitchChat(t *testing.T) {
	r, svc := setupRouter(t)
	first := seedSession(t, svc, "first")
	seedSession(t, svc, "second")

	resp := doRequest(r, http.MethodGet, "/chats/"+first.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	ws, _ := svc.Workspace(context.Background(), testClient)
	if ws.ActiveChatID != first.ID {
		t.Fatalf("expected active chat %s, got %s", first.ID, ws.ActiveChatID)
	}
}

func TestSwitchChatNotFound(t *testing.T) {
	r, _ := setupRouter(t)
	resp := doRequest(r, http.MethodGet, "/chats/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestNewChatClearsActive(t *testing.T) {
	r, svc := setupRouter(t)
	seedSession(t, svc, "hello")

	resp := doRequest(r, http.MethodPost, "/chats/new", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	ws, _ := svc.Workspace(context.Background(), testClient)
	if ws.ActiveChatID != "" {
		t.Fatalf("expected no active chat, got %s", ws.ActiveChatID)
	}
	if len(ws.Sessions) != 1 {
		t.Fatalf("expected history to be kept, got %d sessions", len(ws.Sessions))
	}
}

func TestRenameChat(t *testing.T) {
	r, svc := setupRouter(t)
	session := seedSession(t, svc, "hello")

	resp := doRequest(r, http.MethodPatch, "/chats/"+session.ID, map[string]string{"title": "Renamed"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = doRequest(r, http.MethodPatch, "/chats/"+session.ID, map[string]string{"title": "  "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", resp.Code)
	}
}

func TestDeleteChat(t *testing.T) {
	r, svc := setupRouter(t)
	session := seedSession(t, svc, "hello")

	resp := doRequest(r, http.MethodDelete, "/chats/"+session.ID, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	resp = doRequest(r, http.MethodDelete, "/chats/"+session.ID, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.Code)
	}
}

func TestSelectModel(t *testing.T) {
	r, svc := setupRouter(t)
	session := seedSession(t, svc, "hello")

	resp := doRequest(r, http.MethodPut, "/model", map[string]string{"modelId": "gemini-2.0-flash"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	got, err := svc.GetSession(context.Background(), testClient, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ModelID != "gemini-2.0-flash" {
		t.Fatalf("expected active session to follow selection, got %s", got.ModelID)
	}

	resp = doRequest(r, http.MethodPut, "/model", map[string]string{"modelId": "nope"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", resp.Code)
	}
}

func TestStorageRoundTrip(t *testing.T) {
	r, svc := setupRouter(t)
	seedSession(t, svc, "hello")

	resp := doRequest(r, http.MethodGet, "/storage", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var blobs map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &blobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := blobs[storage.KeyChatHistory]; !ok {
		t.Fatalf("expected %s in export, got %v", storage.KeyChatHistory, blobs)
	}

	resp = doRequest(r, http.MethodPut, "/storage", map[string]string{
		storage.KeyChatHistory: "not json",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed blob, got %d", resp.Code)
	}

	resp = doRequest(r, http.MethodPut, "/storage", blobs)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on import, got %d", resp.Code)
	}
}
