package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/messaging"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
)

type fakeMessenger struct {
	lastReq messaging.Request
	result  messaging.Result
	err     error
	deltas  []string
	retry   *retry.Decision
	// failAfterStart makes Stream fail once start has been emitted.
	failAfterStart bool
}

func (f *fakeMessenger) Send(ctx context.Context, req messaging.Request) (messaging.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeMessenger) Stream(ctx context.Context, req messaging.Request, hooks messaging.Hooks) (messaging.Result, error) {
	f.lastReq = req
	if f.err != nil && !f.failAfterStart {
		return f.result, f.err
	}
	if err := hooks.OnStart("chat-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: req.Message}); err != nil {
		return messaging.Result{}, err
	}
	for _, d := range f.deltas {
		if err := hooks.OnDelta(d); err != nil {
			return messaging.Result{}, err
		}
	}
	if f.retry != nil {
		if err := hooks.OnRetry(*f.retry); err != nil {
			return messaging.Result{}, err
		}
	}
	return f.result, f.err
}

func setupRouter(m Messenger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.ClientID)
	New(m).RegisterRoutes(r)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.ClientIDHeader, "browser-1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestSendReturnsResult(t *testing.T) {
	m := &fakeMessenger{result: messaging.Result{Success: true, Message: "hi there", ChatID: "chat-1"}}
	resp := post(setupRouter(m), "/messages", `{"message":"hello","model":"gemini-2.0-flash"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if m.lastReq.ClientID != "browser-1" || m.lastReq.Model != "gemini-2.0-flash" {
		t.Fatalf("unexpected request: %+v", m.lastReq)
	}
	var result messaging.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.Message != "hi there" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendFailureStatus(t *testing.T) {
	m := &fakeMessenger{
		result: messaging.Result{Error: "A message is already being sent."},
		err:    messaging.ErrBusy,
	}
	resp := post(setupRouter(m), "/messages", `{"message":"hello"}`)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "already being sent") {
		t.Fatalf("expected error text in body, got %s", resp.Body.String())
	}
}

func TestSendInvalidBody(t *testing.T) {
	resp := post(setupRouter(&fakeMessenger{}), "/messages", `{not json`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestStreamEmitsEvents(t *testing.T) {
	m := &fakeMessenger{
		deltas: []string{"Hel", "lo"},
		result: messaging.Result{Success: true, Message: "Hello", ChatID: "chat-1"},
	}
	resp := post(setupRouter(m), "/stream", `{"message":"hi"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseEvents(t, resp.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	if got := strings.Join(names, ","); got != "start,delta,delta,message,end" {
		t.Fatalf("unexpected event order %s", got)
	}

	var delta DeltaEvent
	if err := json.Unmarshal([]byte(events[1].data), &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.Content != "Hel" {
		t.Fatalf("unexpected delta %q", delta.Content)
	}
}

func TestStreamReportsRetry(t *testing.T) {
	m := &fakeMessenger{
		retry:  &retry.Decision{ShouldRetry: true, NewModel: "gemini-2.0-flash", Reason: "vision needed"},
		result: messaging.Result{Success: true, Message: "ok", ChatID: "chat-1", RetriedWith: "gemini-2.0-flash"},
	}
	resp := post(setupRouter(m), "/stream", `{"message":"hi"}`)

	events := parseEvents(t, resp.Body.String())
	if events[1].name != "retry" {
		t.Fatalf("expected retry event, got %s", events[1].name)
	}
	var decision retry.Decision
	if err := json.Unmarshal([]byte(events[1].data), &decision); err != nil {
		t.Fatalf("decode retry: %v", err)
	}
	if decision.NewModel != "gemini-2.0-flash" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestStreamFailureBeforeStartUsesStatus(t *testing.T) {
	m := &fakeMessenger{
		result: messaging.Result{Error: "Model not selected. Please select a model to start."},
		err:    messaging.ErrModelNotSelected,
	}
	resp := post(setupRouter(m), "/stream", `{"message":"hi"}`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "event-stream") {
		t.Fatal("expected a JSON response before the stream started")
	}
}

func TestStreamFailureAfterStartSendsErrorEvent(t *testing.T) {
	m := &fakeMessenger{
		failAfterStart: true,
		result:         messaging.Result{Error: "An unexpected error occurred: boom"},
		err:            &provider.Error{Kind: provider.KindHTTP, Message: "boom"},
	}
	resp := post(setupRouter(m), "/stream", `{"message":"hi"}`)

	events := parseEvents(t, resp.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("expected trailing error event, got %s", last.name)
	}
	if !strings.Contains(last.data, "boom") {
		t.Fatalf("expected error text, got %s", last.data)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{messaging.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("%w: x", chatService.ErrModelNotFound), http.StatusBadRequest},
		{&provider.Error{Kind: provider.KindCapability}, http.StatusBadRequest},
		{chatService.ErrSessionNotFound, http.StatusNotFound},
		{messaging.ErrBusy, http.StatusConflict},
		{&provider.Error{Kind: provider.KindRateLimit}, http.StatusTooManyRequests},
		{&provider.Error{Kind: provider.KindUnavailable}, http.StatusServiceUnavailable},
		{&provider.Error{Kind: provider.KindHTTP, Status: 500}, http.StatusBadGateway},
		{retry.ErrDecisionFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
