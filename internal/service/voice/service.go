package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/backend/internal/model/voice"
)

var (
	// ErrNoAudio 表示请求里没有音频。
	ErrNoAudio = errors.New("no audio data received")
	// ErrNoReply 表示对话结束时代理没有返回任何音频。
	ErrNoReply = errors.New("the agent did not return any audio")
)

const (
	defaultChunkSize   = 16 * 1024
	defaultIdleTimeout = 1500 * time.Millisecond
)

// ErrorMessage 将错误包装成前端提示文案。
func ErrorMessage(err error) string {
	if errors.Is(err, ErrNoAudio) {
		return "No audio data received."
	}
	if errors.Is(err, ErrUnsupportedAudioFormat) {
		return "The voice agent cannot accept this recording: " + err.Error()
	}
	return "An error occurred during the voice conversation: " + err.Error()
}

// Service 通过 ElevenLabs Conversational AI 的 WebSocket 完成一次语音往返。
type Service struct {
	cfg    voice.Config
	dialer *websocket.Dialer
}

// NewService 创建语音服务实例
func NewService(cfg voice.Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Service{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Converse 上传一段用户语音，收集代理的语音回复并返回 data URL。
// contentType 是上传时声明的类型，会与代理的 user_input_audio_format 比对。
func (s *Service) Converse(ctx context.Context, audio []byte, contentType string) (*voice.Response, error) {
	if len(audio) == 0 {
		return nil, ErrNoAudio
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", s.cfg.APIKey)

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to voice agent (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to voice agent: %w", err)
	}
	defer conn.Close()

	// ctx 取消时关闭连接以打断阻塞的读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hello := voice.InitiationClientData{Type: voice.EventInitiationClientData}
	if model := strings.TrimSpace(s.cfg.LLMModel); model != "" {
		hello.CustomLLMExtraBody = map[string]any{"model": model}
	}
	if err := conn.WriteJSON(hello); err != nil {
		return nil, fmt.Errorf("failed to send conversation init: %w", err)
	}

	events := make(chan voice.ServerEvent, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readEvents(conn, events, readErr, done)

	c := &collector{conn: conn, result: &voice.Response{}}
	if err := c.awaitMetadata(ctx, events, readErr); err != nil {
		return nil, err
	}
	in := parseInputFormat(c.inputFormat)
	payload, err := prepareAudio(audio, contentType, in)
	if err != nil {
		return nil, err
	}
	if err := s.sendAudio(conn, payload, in.silence()); err != nil {
		return nil, err
	}

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.complete() {
				return c.finish(), nil
			}
			if c.replied {
				return nil, ErrNoReply
			}
			return nil, ctx.Err()

		case err := <-readErr:
			// 连接关闭前已经排队的事件仍然有效
			for drained := false; !drained; {
				select {
				case ev := <-events:
					if herr := c.handle(ev); herr != nil {
						return nil, herr
					}
				default:
					drained = true
				}
			}
			if c.audio.Len() > 0 {
				log.Printf("[voice] connection closed after %d audio bytes: %v", c.audio.Len(), err)
				return c.finish(), nil
			}
			if c.replied {
				return nil, ErrNoReply
			}
			return nil, fmt.Errorf("failed to read voice agent response: %w", err)

		case <-idle.C:
			if c.complete() {
				return c.finish(), nil
			}
			idle.Reset(s.cfg.IdleTimeout)

		case ev := <-events:
			if err := c.handle(ev); err != nil {
				return nil, err
			}
			if ev.Type == voice.EventAgentResponse || ev.Type == voice.EventAudio {
				resetTimer(idle, s.cfg.IdleTimeout)
			}
		}
	}
}

// collector 汇总一次对话中收到的事件。
type collector struct {
	conn        *websocket.Conn
	result      *voice.Response
	audio       bytes.Buffer
	format      string
	inputFormat string
	started     bool
	replied     bool
}

// awaitMetadata 等到会话元数据，之后才知道代理期望的输入格式。
func (c *collector) awaitMetadata(ctx context.Context, events <-chan voice.ServerEvent, readErr <-chan error) error {
	for !c.started {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("voice agent closed before conversation metadata: %w", err)
		case ev := <-events:
			if err := c.handle(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *collector) complete() bool {
	return c.replied && c.audio.Len() > 0
}

func (c *collector) handle(ev voice.ServerEvent) error {
	switch ev.Type {
	case voice.EventInitiationMetadata:
		c.started = true
		if ev.InitiationMetadata != nil {
			c.result.ConversationID = ev.InitiationMetadata.ConversationID
			c.format = ev.InitiationMetadata.AgentOutputAudioFormat
			c.inputFormat = ev.InitiationMetadata.UserInputAudioFormat
			log.Printf("[voice] conversation %s started, input=%s output=%s", c.result.ConversationID, c.inputFormat, c.format)
		}
	case voice.EventPing:
		if ev.Ping == nil {
			return nil
		}
		if err := c.conn.WriteJSON(voice.Pong{Type: voice.EventPong, EventID: ev.Ping.EventID}); err != nil {
			return fmt.Errorf("failed to answer ping: %w", err)
		}
	case voice.EventUserTranscript:
		if ev.UserTranscript != nil {
			c.result.Transcript = ev.UserTranscript.UserTranscript
		}
	case voice.EventAgentResponse:
		if ev.AgentResponse != nil {
			c.result.AgentResponse = ev.AgentResponse.AgentResponse
		}
		c.replied = true
	case voice.EventAudio:
		if ev.Audio == nil {
			return nil
		}
		chunk, err := base64.StdEncoding.DecodeString(ev.Audio.AudioBase64)
		if err != nil {
			return fmt.Errorf("invalid audio chunk: %w", err)
		}
		c.audio.Write(chunk)
	case voice.EventInterruption:
		log.Printf("[voice] conversation %s interrupted", c.result.ConversationID)
	}
	return nil
}

func (c *collector) finish() *voice.Response {
	mime, data := encodeAudio(c.audio.Bytes(), c.format)
	c.result.Audio = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	c.result.CreatedAt = time.Now().UTC()
	return c.result
}

func (s *Service) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid voice agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", s.cfg.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Service) sendAudio(conn *websocket.Conn, audio, tail []byte) error {
	payload := append(append([]byte(nil), audio...), tail...)
	for start := 0; start < len(payload); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frame := voice.UserAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(payload[start:end])}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
	}
	return nil
}

func readEvents(conn *websocket.Conn, events chan<- voice.ServerEvent, errs chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var ev voice.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[voice] skip malformed event: %v", err)
			continue
		}
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// encodeAudio 按代理输出格式生成浏览器可播放的数据，pcm 会补上 WAV 头。
func encodeAudio(audio []byte, format string) (string, []byte) {
	codec, rate, _ := strings.Cut(strings.ToLower(format), "_")
	switch codec {
	case "pcm":
		sampleRate, err := strconv.Atoi(rate)
		if err != nil || sampleRate <= 0 {
			sampleRate = 16000
		}
		return "audio/wav", wavFromPCM(audio, sampleRate)
	case "ulaw":
		return "audio/basic", audio
	default:
		return "audio/mpeg", audio
	}
}

func wavFromPCM(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	var buf bytes.Buffer
	byteRate := sampleRate * channels * bitsPerSample / 8
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
