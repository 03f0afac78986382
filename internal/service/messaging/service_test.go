package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
	"github.com/zhouzirui/z-chat/backend/internal/storage"
)

const (
	client      = "browser-1"
	textModel   = "deepseek/deepseek-chat-v3-0324:free"
	coderModel  = "qwen/qwen3-coder:free"
	visionModel = "meta-llama/llama-3.2-11b-vision-instruct:free"
	tinyPNG     = "data:image/png;base64,aGVsbG8="
)

type outcome struct {
	reply string
	err   error
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes []outcome
	requests []provider.Request
	block    chan struct{}
}

func (f *fakeDispatcher) next(req provider.Request) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.outcomes) == 0 {
		return "", errors.New("no scripted outcome")
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o.reply, o.err
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req provider.Request) (string, error) {
	if err := provider.CheckCapabilities(req); err != nil {
		return "", err
	}
	return f.next(req)
}

func (f *fakeDispatcher) DispatchStream(ctx context.Context, req provider.Request, onDelta func(string) error) (string, error) {
	reply, err := f.Dispatch(ctx, req)
	if err != nil {
		return "", err
	}
	for _, r := range reply {
		if err := onDelta(string(r)); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (f *fakeDispatcher) Available(name catalog.Provider) bool { return name == catalog.OpenRouter }

type fakeAdvisor struct {
	decision retry.Decision
	err      error
	calls    int
	last     retry.Input
}

func (f *fakeAdvisor) Decide(ctx context.Context, in retry.Input) (retry.Decision, error) {
	f.calls++
	f.last = in
	return f.decision, f.err
}

func setup(t *testing.T, d *fakeDispatcher, a Advisor) (*Service, *chatservice.Service) {
	t.Helper()
	models := catalog.NewMemoryStore(catalog.Seed())
	sessions, err := chatservice.NewService(storage.NewMemory(), models, textModel)
	require.NoError(t, err)
	return NewService(sessions, models, d, a), sessions
}

func upstreamErr(msg string) error {
	return &provider.Error{Provider: catalog.OpenRouter, Kind: provider.KindHTTP, Status: 502, Message: msg}
}

func TestSendCreatesSessionAndStoresReply(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "hello back"}}}
	svc, sessions := setup(t, d, nil)
	ctx := context.Background()

	res, err := svc.Send(ctx, Request{ClientID: client, Message: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello back", res.Message)
	assert.Equal(t, textModel, res.ModelID)

	ws, err := sessions.Workspace(ctx, client)
	require.NoError(t, err)
	require.Len(t, ws.Sessions, 1)
	assert.Equal(t, res.ChatID, ws.ActiveChatID)
	require.Len(t, ws.Sessions[0].Messages, 2)
	assert.Equal(t, chat.RoleAssistant, ws.Sessions[0].Messages[1].Role)

	// second turn sends the earlier messages as history
	d.outcomes = []outcome{{reply: "again"}}
	_, err = svc.Send(ctx, Request{ClientID: client, Message: "more"})
	require.NoError(t, err)
	require.Len(t, d.requests, 2)
	assert.Len(t, d.requests[1].History, 2)
	assert.Equal(t, "more", d.requests[1].Message)
}

func TestSendValidation(t *testing.T) {
	svc, _ := setup(t, &fakeDispatcher{}, nil)
	ctx := context.Background()

	_, err := svc.Send(ctx, Request{ClientID: client, Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.Send(ctx, Request{Message: "hi"})
	assert.ErrorIs(t, err, chatservice.ErrClientRequired)

	_, err = svc.Send(ctx, Request{ClientID: client, Message: "hi", Model: "nope/nope"})
	assert.ErrorIs(t, err, chatservice.ErrModelNotFound)
}

func TestImageWithTextModelRejectedBeforeDispatch(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "should not happen"}}}
	svc, sessions := setup(t, d, nil)
	ctx := context.Background()

	res, err := svc.Send(ctx, Request{ClientID: client, Message: "what is this", Image: tinyPNG, Model: coderModel})
	assert.ErrorIs(t, err, provider.ErrUnsupportedCapability)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, d.requests)

	ws, err := sessions.Workspace(ctx, client)
	require.NoError(t, err)
	assert.Empty(t, ws.Sessions)
}

func TestFailureRollsBackUserMessage(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "first"}, {err: upstreamErr("Internal Server Error")}}}
	svc, sessions := setup(t, d, nil)
	ctx := context.Background()

	first, err := svc.Send(ctx, Request{ClientID: client, Message: "hi"})
	require.NoError(t, err)

	res, err := svc.Send(ctx, Request{ClientID: client, Message: "second"})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "An unexpected error occurred: Internal Server Error", res.Error)

	session, err := sessions.GetSession(ctx, client, first.ChatID)
	require.NoError(t, err)
	assert.Len(t, session.Messages, 2)
}

func TestFailureDiscardsNewSessionAndRestoresActive(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "ok"}, {err: upstreamErr("boom")}}}
	svc, sessions := setup(t, d, nil)
	ctx := context.Background()

	first, err := svc.Send(ctx, Request{ClientID: client, Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, sessions.StartNewChat(ctx, client))

	before, err := sessions.Workspace(ctx, client)
	require.NoError(t, err)
	require.Equal(t, textModel, before.SelectedModel)

	_, err = svc.Send(ctx, Request{ClientID: client, Message: "new chat", Model: coderModel})
	require.Error(t, err)

	ws, err := sessions.Workspace(ctx, client)
	require.NoError(t, err)
	require.Len(t, ws.Sessions, 1)
	assert.Equal(t, first.ChatID, ws.Sessions[0].ID)
	assert.Empty(t, ws.ActiveChatID)
	assert.Equal(t, before.SelectedModel, ws.SelectedModel, "failed first message must not change the selected model")
}

func TestExplicitModelIsRecordedOnExistingSession(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "one"}, {reply: "two"}, {err: upstreamErr("down")}}}
	svc, sessions := setup(t, d, nil)
	ctx := context.Background()

	first, err := svc.Send(ctx, Request{ClientID: client, Message: "hi"})
	require.NoError(t, err)

	res, err := svc.Send(ctx, Request{ClientID: client, Message: "write code", Model: coderModel})
	require.NoError(t, err)
	assert.Equal(t, coderModel, res.ModelID)

	session, err := sessions.GetSession(ctx, client, first.ChatID)
	require.NoError(t, err)
	assert.Equal(t, coderModel, session.ModelID)
	ws, err := sessions.Workspace(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, coderModel, ws.SelectedModel)

	// a failed turn keeps the previously recorded model
	_, err = svc.Send(ctx, Request{ClientID: client, Message: "again", Model: visionModel})
	require.Error(t, err)
	session, err = sessions.GetSession(ctx, client, first.ChatID)
	require.NoError(t, err)
	assert.Equal(t, coderModel, session.ModelID)
}

func TestRateLimitIsNotRetried(t *testing.T) {
	limited := &provider.Error{Provider: catalog.OpenRouter, Kind: provider.KindRateLimit, Status: 429, Message: "Rate limit exceeded"}
	d := &fakeDispatcher{outcomes: []outcome{{err: limited}}}
	advisor := &fakeAdvisor{decision: retry.Decision{ShouldRetry: true, NewModel: coderModel}}
	svc, _ := setup(t, d, advisor)

	res, err := svc.Send(context.Background(), Request{ClientID: client, Message: "hi"})
	assert.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, "An unexpected error occurred: Rate limit exceeded", res.Error)
	assert.Equal(t, 0, advisor.calls)
	assert.Len(t, d.requests, 1)
}

func TestAdvisorRetryWithNewModel(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{err: upstreamErr("No endpoints found")}, {reply: "from coder"}}}
	advisor := &fakeAdvisor{decision: retry.Decision{ShouldRetry: true, NewModel: coderModel, Reason: "provider down"}}
	svc, sessions := setup(t, d, advisor)
	ctx := context.Background()

	res, err := svc.Send(ctx, Request{ClientID: client, Message: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, coderModel, res.RetriedWith)
	assert.Equal(t, "from coder", res.Message)

	require.Len(t, d.requests, 2)
	assert.Equal(t, coderModel, d.requests[1].Model.ID)
	assert.Equal(t, textModel, advisor.last.CurrentModel)
	for _, m := range advisor.last.Models {
		assert.Equal(t, catalog.OpenRouter, m.Provider, "only reachable models are offered")
	}

	session, err := sessions.GetSession(ctx, client, res.ChatID)
	require.NoError(t, err)
	assert.Equal(t, textModel, session.ModelID)
}

func TestAdvisorRetryRunsOnlyOnce(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{err: upstreamErr("down")}, {err: upstreamErr("still down")}}}
	advisor := &fakeAdvisor{decision: retry.Decision{ShouldRetry: true, UpdatedPrompt: "rephrased"}}
	svc, _ := setup(t, d, advisor)

	res, err := svc.Send(context.Background(), Request{ClientID: client, Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, "An unexpected error occurred: still down", res.Error)
	assert.Equal(t, 1, advisor.calls)
	require.Len(t, d.requests, 2)
	assert.Equal(t, "rephrased", d.requests[1].Message)
}

func TestAdvisorFailureReturnsGenericMessage(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{err: upstreamErr("down")}}}
	advisor := &fakeAdvisor{err: retry.ErrDecisionFailed}
	svc, _ := setup(t, d, advisor)

	res, err := svc.Send(context.Background(), Request{ClientID: client, Message: "hi"})
	assert.ErrorIs(t, err, retry.ErrDecisionFailed)
	assert.Equal(t, "Failed to send message. Please try again.", res.Error)
}

func TestEmptyReplyMessage(t *testing.T) {
	empty := &provider.Error{Provider: catalog.OpenRouter, Kind: provider.KindEmpty, Message: "The AI did not return a response. Please try again."}
	d := &fakeDispatcher{outcomes: []outcome{{err: empty}}}
	svc, _ := setup(t, d, nil)

	res, err := svc.Send(context.Background(), Request{ClientID: client, Message: "hi"})
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
	assert.Equal(t, "The AI did not return a response. Please try again.", res.Error)
}

func TestConcurrentSendIsBusy(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "slow"}}, block: make(chan struct{})}
	svc, _ := setup(t, d, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, Request{ClientID: client, Message: "first"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, busy := svc.inFlight[client]
		return busy
	}, time.Second, 5*time.Millisecond)

	_, err := svc.Send(ctx, Request{ClientID: client, Message: "second"})
	assert.ErrorIs(t, err, ErrBusy)

	close(d.block)
	require.NoError(t, <-done)
}

func TestStreamEmitsDeltasAndRetryEvent(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "abc"}}}
	svc, _ := setup(t, d, nil)

	var started string
	var deltas []string
	res, err := svc.Stream(context.Background(), Request{ClientID: client, Message: "hi"}, Hooks{
		OnStart: func(chatID string, user chat.Message) error { started = chatID; return nil },
		OnDelta: func(s string) error { deltas = append(deltas, s); return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, res.ChatID, started)
	assert.Equal(t, []string{"a", "b", "c"}, deltas)

	d.outcomes = []outcome{{err: upstreamErr("down")}, {reply: "retried"}}
	svc.advisor = &fakeAdvisor{decision: retry.Decision{ShouldRetry: true, NewModel: coderModel}}
	var retried retry.Decision
	deltas = nil
	res, err = svc.Stream(context.Background(), Request{ClientID: client, Message: "again"}, Hooks{
		OnDelta: func(s string) error { deltas = append(deltas, s); return nil },
		OnRetry: func(dec retry.Decision) error { retried = dec; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "retried", res.Message)
	assert.Equal(t, coderModel, retried.NewModel)
	assert.Empty(t, deltas, "retries are not streamed")
}

func TestVisionModelAcceptsImage(t *testing.T) {
	d := &fakeDispatcher{outcomes: []outcome{{reply: "a cat"}}}
	svc, _ := setup(t, d, nil)

	res, err := svc.Send(context.Background(), Request{ClientID: client, Message: "what?", Image: tinyPNG, Model: visionModel})
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.UserMessage.Image)
}
