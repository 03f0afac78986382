package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/z-chat/backend/internal/analysis/retry"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
)

// ErrDecisionFailed 表示大模型调用失败或输出无法解析，调用方不应再重试。
var ErrDecisionFailed = errors.New("retry decision failed")

// Config 控制重试顾问的行为。
type Config struct {
	Enabled bool
}

// Input 描述一次失败的请求。
type Input struct {
	ErrorMessage   string
	OriginalPrompt string
	Models         []catalog.Model
	CurrentModel   string
	HasImage       bool
}

// Decision 是顾问给出的重试建议。
type Decision struct {
	ShouldRetry   bool   `json:"shouldRetry"`
	NewModel      string `json:"newModel,omitempty"`
	UpdatedPrompt string `json:"updatedPrompt,omitempty"`
	Reason        string `json:"reason"`
}

// Advisor 使用大模型判断失败请求是否值得换模型或改写提示词重试，未配置模型时回退到关键字规则。
type Advisor struct {
	enabled  bool
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback func(message string) analysis.Decision
}

// NewAdvisor 创建重试顾问。chatModel 为空或未启用时只使用启发式规则。
func NewAdvisor(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Advisor, error) {
	a := &Advisor{
		enabled:  cfg.Enabled && chatModel != nil,
		fallback: analysis.Analyze,
	}
	if !a.enabled {
		return a, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(advisorSystemPrompt),
		schema.UserMessage(advisorUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile retry advisor chain: %w", err)
	}
	a.chain = runnable
	return a, nil
}

// LLMEnabled 返回是否由大模型做决策。
func (a *Advisor) LLMEnabled() bool {
	return a != nil && a.enabled && a.chain != nil
}

// Decide 返回重试建议。限流错误在调用大模型之前就直接拒绝重试。
func (a *Advisor) Decide(ctx context.Context, in Input) (Decision, error) {
	if analysis.IsRateLimit(in.ErrorMessage) {
		return Decision{ShouldRetry: false, Reason: rateLimitReason}, nil
	}
	if !a.LLMEnabled() {
		return a.heuristic(in), nil
	}

	msg, err := a.chain.Invoke(ctx, map[string]any{
		"error_message":   strings.TrimSpace(in.ErrorMessage),
		"original_prompt": strings.TrimSpace(in.OriginalPrompt),
		"models":          formatModels(in.Models),
		"current_model":   formatCurrent(in.CurrentModel),
	})
	if err != nil {
		log.Printf("[retry] advisor invoke failed: %v", err)
		return Decision{}, fmt.Errorf("%w: %v", ErrDecisionFailed, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return Decision{}, fmt.Errorf("%w: empty advisor output", ErrDecisionFailed)
	}

	payload, err := parseAdvisorOutput(msg.Content)
	if err != nil {
		log.Printf("[retry] advisor output parse failed: %v", err)
		return Decision{}, fmt.Errorf("%w: %v", ErrDecisionFailed, err)
	}

	decision := enforce(in, *payload)
	log.Printf("[retry] advisor decision retry=%t model=%q promptUpdated=%t reason=%q",
		decision.ShouldRetry, decision.NewModel, decision.UpdatedPrompt != "", decision.Reason)
	return decision, nil
}

// enforce 校验大模型的建议：新模型必须在目录里、不同于当前模型，带图片时必须支持 Vision。
func enforce(in Input, d Decision) Decision {
	out := Decision{ShouldRetry: d.ShouldRetry, Reason: strings.TrimSpace(d.Reason)}
	if !out.ShouldRetry {
		if out.Reason == "" {
			out.Reason = "The advisor decided not to retry."
		}
		return out
	}

	if candidate := strings.TrimSpace(d.NewModel); candidate != "" {
		m, ok := resolveModel(in.Models, candidate)
		switch {
		case !ok:
			log.Printf("[retry] advisor suggested unknown model %q, dropped", candidate)
		case m.ID == in.CurrentModel:
			log.Printf("[retry] advisor suggested the failing model %q, dropped", m.ID)
		case in.HasImage && !m.Supports(catalog.Vision):
			log.Printf("[retry] advisor suggested non-vision model %q for an image, dropped", m.ID)
		default:
			out.NewModel = m.ID
		}
	}

	if updated := strings.TrimSpace(d.UpdatedPrompt); updated != "" && updated != strings.TrimSpace(in.OriginalPrompt) {
		out.UpdatedPrompt = updated
	}

	if out.NewModel == "" && out.UpdatedPrompt == "" {
		out.ShouldRetry = false
		out.Reason = "No usable alternative model or prompt was suggested."
	}
	return out
}

func resolveModel(models []catalog.Model, idOrName string) (catalog.Model, bool) {
	for _, m := range models {
		if m.ID == idOrName {
			return m, true
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.Name, idOrName) {
			return m, true
		}
	}
	return catalog.Model{}, false
}

func (a *Advisor) heuristic(in Input) Decision {
	verdict := a.fallback(in.ErrorMessage)
	if !verdict.Retryable {
		reason := heuristicReasons[verdict.Label]
		if reason == "" {
			reason = "The error does not look recoverable by switching models."
		}
		return Decision{ShouldRetry: false, Reason: reason}
	}

	m, ok := pickAlternative(in, verdict.Label)
	if !ok {
		return Decision{ShouldRetry: false, Reason: "No other suitable model is available."}
	}
	return Decision{
		ShouldRetry: true,
		NewModel:    m.ID,
		Reason:      fmt.Sprintf("%s Retrying with %s.", heuristicReasons[verdict.Label], m.Name),
	}
}

// pickAlternative 选择一个不同于当前模型的候选，优先匹配错误类型需要的能力。
func pickAlternative(in Input, label analysis.Label) (catalog.Model, bool) {
	var preferred []catalog.Capability
	switch label {
	case analysis.ContextLength:
		preferred = []catalog.Capability{catalog.Large, catalog.Analysis}
	case analysis.Capability:
		if in.HasImage {
			preferred = []catalog.Capability{catalog.Vision}
		}
	}

	var current catalog.Model
	for _, m := range in.Models {
		if m.ID == in.CurrentModel {
			current = m
		}
	}

	best := -1
	bestScore := -1
	for i, m := range in.Models {
		if m.ID == in.CurrentModel {
			continue
		}
		if in.HasImage && !m.Supports(catalog.Vision) {
			continue
		}
		score := 0
		for _, c := range preferred {
			if m.Supports(c) {
				score += 3
			}
		}
		for _, c := range current.Capabilities {
			if m.Supports(c) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return catalog.Model{}, false
	}
	return in.Models[best], true
}

// parseAdvisorOutput 解析大模型返回的第一个 JSON 对象。
func parseAdvisorOutput(content string) (*Decision, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &Decision{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatModels(models []catalog.Model) string {
	if len(models) == 0 {
		return "(none)"
	}
	var builder strings.Builder
	for i, m := range models {
		fmt.Fprintf(&builder, "- Name: %s (ID: %s) - Description: %s", m.Name, m.ID, m.Description)
		if len(m.Capabilities) > 0 {
			caps := make([]string, len(m.Capabilities))
			for j, c := range m.Capabilities {
				caps[j] = string(c)
			}
			fmt.Fprintf(&builder, " - Capabilities: %s", strings.Join(caps, ", "))
		}
		if i < len(models)-1 {
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

func formatCurrent(id string) string {
	if strings.TrimSpace(id) == "" {
		return "none"
	}
	return id
}

const rateLimitReason = "The request hit a rate limit or quota. Please wait a moment before trying again."

var heuristicReasons = map[analysis.Label]string{
	analysis.RateLimit:     rateLimitReason,
	analysis.Auth:          "The provider rejected the credentials, switching models will not help.",
	analysis.Policy:        "The request was blocked by a content policy.",
	analysis.Unknown:       "The error does not look recoverable by switching models.",
	analysis.Capability:    "The model does not support this kind of input.",
	analysis.Unavailable:   "The model or its provider is temporarily unavailable.",
	analysis.ContextLength: "The conversation is too long for this model.",
	analysis.Malformed:     "The model returned an unusable response.",
}

const advisorSystemPrompt = `You are an AI assistant responsible for handling API errors and determining if a request should be retried with a different model or an updated prompt. You are interacting with the OpenRouter and Gemini APIs.

Here's how to decide:
1. Check for rate limits: if the error message contains phrases like "rate limit", "too many requests" or "quota exceeded", set shouldRetry to false and explain that the user has hit a rate limit.
2. Analyze the error: is it related to the model's capabilities (for example a non-vision model given an image)? Is the prompt unclear or malformed?
3. Decide to retry:
   - If the error seems temporary or fixable by switching models, set shouldRetry to true.
   - If you retry, select a different model from the available list that is suitable for the prompt.
   - If you believe the prompt is the issue, you can suggest an updatedPrompt.
   - If no other model seems appropriate or the error is persistent, set shouldRetry to false.

IMPORTANT: if you retry with a new model you MUST return the ID of the model, not its name.
If a current model is given, choose a different one or update the prompt.

Reply with a single JSON object and nothing else. Fields: shouldRetry (boolean), newModel (model ID string, optional), updatedPrompt (string, optional), reason (short English explanation).`

const advisorUserPrompt = `Error message: "{error_message}"

Original prompt: "{original_prompt}"

Available models:
{models}

Current model: {current_model}`
