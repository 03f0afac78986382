package voice

import "time"

// Config ElevenLabs 对话代理配置
type Config struct {
	APIKey      string        `json:"-"`
	AgentID     string        `json:"agentId"`
	URL         string        `json:"url"`
	LLMModel    string        `json:"llmModel"`    // custom_llm_extra_body.model
	Timeout     time.Duration `json:"timeout"`     // 整个对话的上限
	IdleTimeout time.Duration `json:"idleTimeout"` // 收到回复后音频静默多久视为结束
	ChunkSize   int           `json:"chunkSize"`   // 每帧上传的字节数
}

// Response 语音对话结果，字段与前端约定一致
type Response struct {
	Audio          string    `json:"audio,omitempty"` // data URL
	Error          string    `json:"error,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	AgentResponse  string    `json:"agentResponse,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
