package catalog

import "strings"

// Capability is a declared skill of a model.
type Capability string

const (
	Text        Capability = "Text"
	Logic       Capability = "Logic"
	Code        Capability = "Code"
	Analysis    Capability = "Analysis"
	Vision      Capability = "Vision"
	General     Capability = "General"
	Instruction Capability = "Instruction"
	Fast        Capability = "Fast"
	Large       Capability = "Large"
)

// Provider names the vendor that serves a model.
type Provider string

const (
	OpenRouter Provider = "OpenRouter"
	Gemini     Provider = "Gemini"
)

// Model is a static catalog entry exposed to the frontend.
type Model struct {
	ID           string       `json:"id" toml:"id"`
	Name         string       `json:"name" toml:"name"`
	Description  string       `json:"description" toml:"description"`
	Capabilities []Capability `json:"capabilities" toml:"capabilities"`
	Provider     Provider     `json:"provider" toml:"provider"`
}

// Supports reports whether the model declares the capability.
func (m Model) Supports(c Capability) bool {
	for _, have := range m.Capabilities {
		if strings.EqualFold(string(have), string(c)) {
			return true
		}
	}
	return false
}

// Category groups models for the model selector.
type Category struct {
	Key    string  `json:"key" toml:"key"`
	Label  string  `json:"label" toml:"label"`
	Models []Model `json:"models" toml:"models"`
}

// DefaultModelID is selected for new chats unless configured otherwise.
const DefaultModelID = "deepseek/deepseek-chat-v3-0324:free"

// Seed provides the built-in model table.
func Seed() []Category {
	return []Category{
		{
			Key:   "reasoning",
			Label: "Reasoning",
			Models: []Model{
				{
					ID:           "deepseek/deepseek-r1-0528:free",
					Name:         "DeepSeek R1 (Reasoning+Code)",
					Description:  "Great for deep reasoning & coding.",
					Capabilities: []Capability{Text, Logic, Code},
					Provider:     OpenRouter,
				},
				{
					ID:           "moonshotai/kimi-k2:free",
					Name:         "Kimi K2 (Reasoning)",
					Description:  "Long-context reasoning.",
					Capabilities: []Capability{Text, Logic, Analysis},
					Provider:     OpenRouter,
				},
				{
					ID:           "qwen/qwen3-235b-a22b:free",
					Name:         "Qwen3 235B (Reasoning)",
					Description:  "Strong reasoning LLM.",
					Capabilities: []Capability{Text, Logic},
					Provider:     OpenRouter,
				},
			},
		},
		{
			Key:   "coding",
			Label: "Coding",
			Models: []Model{
				{
					ID:           "qwen/qwen3-coder:free",
					Name:         "Qwen3 Coder",
					Description:  "Optimized for code generation.",
					Capabilities: []Capability{Code, Text},
					Provider:     OpenRouter,
				},
				{
					ID:           "cognitivecomputations/dolphin-mistral-24b-venice-edition:free",
					Name:         "Dolphin Mistral 24B Venice",
					Description:  "Balanced code + general.",
					Capabilities: []Capability{Code, Text, General},
					Provider:     OpenRouter,
				},
			},
		},
		{
			Key:   "vision",
			Label: "Vision",
			Models: []Model{
				{
					ID:           "meta-llama/llama-3.2-11b-vision-instruct:free",
					Name:         "LLaMA 3.2 11B Vision",
					Description:  "Image understanding.",
					Capabilities: []Capability{Vision, Text},
					Provider:     OpenRouter,
				},
			},
		},
		{
			Key:   "general",
			Label: "General",
			Models: []Model{
				{
					ID:           "deepseek/deepseek-chat-v3-0324:free",
					Name:         "DeepSeek Chat v3",
					Description:  "General purpose.",
					Capabilities: []Capability{General},
					Provider:     OpenRouter,
				},
				{
					ID:           "google/gemma-3-27b-it:free",
					Name:         "Gemma 3 27B IT",
					Description:  "Instruction-tuned.",
					Capabilities: []Capability{General, Instruction},
					Provider:     OpenRouter,
				},
				{
					ID:           "openai/gpt-oss-20b:free",
					Name:         "GPT-OSS 20B",
					Description:  "General purpose.",
					Capabilities: []Capability{General},
					Provider:     OpenRouter,
				},
				{
					ID:           "z-ai/glm-4.5-air:free",
					Name:         "GLM 4.5 Air",
					Description:  "Fast, general.",
					Capabilities: []Capability{General, Fast},
					Provider:     OpenRouter,
				},
				{
					ID:           "meta-llama/llama-3.3-70b-instruct:free",
					Name:         "LLaMA 3.3 70B",
					Description:  "General large model.",
					Capabilities: []Capability{General, Large},
					Provider:     OpenRouter,
				},
			},
		},
		{
			Key:   "gemini",
			Label: "Gemini",
			Models: []Model{
				{
					ID:           "gemini-2.0-flash",
					Name:         "Gemini 2.0 Flash",
					Description:  "Fast multimodal model from Google.",
					Capabilities: []Capability{General, Vision, Fast},
					Provider:     Gemini,
				},
				{
					ID:           "gemini-1.5-pro",
					Name:         "Gemini 1.5 Pro",
					Description:  "Long-context multimodal reasoning.",
					Capabilities: []Capability{Text, Logic, Vision, Analysis},
					Provider:     Gemini,
				},
			},
		},
	}
}
