package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
)

// Dispatcher sends a single request to whichever vendor serves the model.
type Dispatcher interface {
	Dispatch(ctx context.Context, req provider.Request) (string, error)
	Available(name catalog.Provider) bool
}

// ProviderChatModel exposes a catalog model as an eino ChatModel so it can sit in a chain.
type ProviderChatModel struct {
	dispatcher Dispatcher
	model      catalog.Model
}

func NewProviderChatModel(dispatcher Dispatcher, m catalog.Model) *ProviderChatModel {
	return &ProviderChatModel{dispatcher: dispatcher, model: m}
}

// Generate flattens the eino messages into a provider request. System text is
// prepended to the last user turn since not every vendor accepts a system role.
func (p *ProviderChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	req, err := p.buildRequest(input)
	if err != nil {
		return nil, err
	}
	reply, err := p.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", p.model.ID, err)
	}
	return schema.AssistantMessage(reply, nil), nil
}

// Stream 目前只在完整生成后一次性返回。
func (p *ProviderChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := p.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (p *ProviderChatModel) BindTools(_ []*schema.ToolInfo) error {
	return errors.New("tool calling is not supported by provider chat models")
}

func (p *ProviderChatModel) buildRequest(input []*schema.Message) (provider.Request, error) {
	var system []string
	var turns []*schema.Message
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if text := strings.TrimSpace(msg.Content); text != "" {
				system = append(system, text)
			}
		case schema.User, schema.Assistant:
			turns = append(turns, msg)
		}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != schema.User {
		return provider.Request{}, errors.New("conversation must end with a user message")
	}

	history := make([]chat.Message, 0, len(turns)-1)
	for _, msg := range turns[:len(turns)-1] {
		role := chat.RoleUser
		if msg.Role == schema.Assistant {
			role = chat.RoleAssistant
		}
		history = append(history, chat.Message{Role: role, Content: msg.Content})
	}

	last := turns[len(turns)-1].Content
	if len(system) > 0 {
		last = strings.Join(system, "\n\n") + "\n\n" + last
	}
	return provider.Request{Model: p.model, History: history, Message: last}, nil
}

// NewAdvisorModel 为重试顾问选择大模型：优先 Ark，其次目录中配置的模型。
// 两者都不可用时返回 nil，顾问退回启发式规则。
func NewAdvisorModel(ctx context.Context, cfg *config.Config, models catalog.Store, dispatcher Dispatcher) (model.ChatModel, error) {
	if !cfg.Retry.Enabled {
		return nil, nil
	}
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create ark advisor model: %w", err)
		}
		log.Printf("[ai] retry advisor uses ark model %s", cfg.AI.Model)
		return chatModel, nil
	}

	id := strings.TrimSpace(cfg.Retry.AdvisorModel)
	if id == "" {
		return nil, nil
	}
	m, ok := models.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("retry advisor model %q is not in the catalog", id)
	}
	if !dispatcher.Available(m.Provider) {
		log.Printf("[ai] retry advisor model %s needs provider %s which is not configured, using heuristics", m.ID, m.Provider)
		return nil, nil
	}
	log.Printf("[ai] retry advisor uses catalog model %s", m.ID)
	return NewProviderChatModel(dispatcher, m), nil
}
