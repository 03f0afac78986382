package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
)

type fakeDispatcher struct {
	available map[catalog.Provider]bool
	last      provider.Request
	reply     string
	err       error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req provider.Request) (string, error) {
	f.last = req
	return f.reply, f.err
}

func (f *fakeDispatcher) Available(name catalog.Provider) bool {
	return f.available[name]
}

var flash = catalog.Model{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: catalog.Gemini}

func TestGenerateFlattensMessages(t *testing.T) {
	fake := &fakeDispatcher{reply: `{"shouldRetry":false}`}
	cm := NewProviderChatModel(fake, flash)

	msg, err := cm.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("be terse"),
		schema.UserMessage("first"),
		schema.AssistantMessage("reply", nil),
		schema.UserMessage("second"),
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if msg.Content != `{"shouldRetry":false}` {
		t.Fatalf("unexpected content %q", msg.Content)
	}
	if fake.last.Message != "be terse\n\nsecond" {
		t.Fatalf("system prompt not merged into last turn: %q", fake.last.Message)
	}
	if len(fake.last.History) != 2 || fake.last.History[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected history %+v", fake.last.History)
	}
	if fake.last.Model.ID != flash.ID {
		t.Fatalf("wrong model %q", fake.last.Model.ID)
	}
}

func TestGenerateRequiresUserTurn(t *testing.T) {
	cm := NewProviderChatModel(&fakeDispatcher{}, flash)
	if _, err := cm.Generate(context.Background(), []*schema.Message{schema.SystemMessage("x")}); err == nil {
		t.Fatalf("expected error without a user message")
	}
}

func TestGenerateWrapsDispatchError(t *testing.T) {
	cm := NewProviderChatModel(&fakeDispatcher{err: provider.ErrRateLimited}, flash)
	_, err := cm.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("expected wrapped rate limit error, got %v", err)
	}
}

func TestNewAdvisorModel(t *testing.T) {
	store := catalog.NewMemoryStore(catalog.Seed())
	cfg := &config.Config{Retry: config.RetryConfig{Enabled: true, AdvisorModel: "gemini-2.0-flash"}}

	m, err := NewAdvisorModel(context.Background(), cfg, store, &fakeDispatcher{})
	if err != nil || m != nil {
		t.Fatalf("expected nil model when gemini is unavailable, got %v %v", m, err)
	}

	m, err = NewAdvisorModel(context.Background(), cfg, store, &fakeDispatcher{available: map[catalog.Provider]bool{catalog.Gemini: true}})
	if err != nil || m == nil {
		t.Fatalf("expected provider model, got %v %v", m, err)
	}

	cfg.Retry.AdvisorModel = "no/such-model"
	if _, err := NewAdvisorModel(context.Background(), cfg, store, &fakeDispatcher{}); err == nil {
		t.Fatalf("expected error for unknown advisor model")
	}

	cfg.Retry.Enabled = false
	if m, err := NewAdvisorModel(context.Background(), cfg, store, &fakeDispatcher{}); err != nil || m != nil {
		t.Fatalf("disabled advisor should yield nil model")
	}
}
