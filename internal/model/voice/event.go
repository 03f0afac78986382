package voice

// Event types exchanged on the conversational websocket.
const (
	EventInitiationClientData = "conversation_initiation_client_data"
	EventInitiationMetadata   = "conversation_initiation_metadata"
	EventAudio                = "audio"
	EventAgentResponse        = "agent_response"
	EventUserTranscript       = "user_transcript"
	EventPing                 = "ping"
	EventPong                 = "pong"
	EventInterruption         = "interruption"
)

// InitiationClientData opens a conversation.
type InitiationClientData struct {
	Type               string         `json:"type"`
	CustomLLMExtraBody map[string]any `json:"custom_llm_extra_body,omitempty"`
}

// UserAudioChunk carries base64 encoded microphone audio.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// Pong answers a ping.
type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// ServerEvent is the union of the server messages we read.
type ServerEvent struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscript *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
		PingMS  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}
