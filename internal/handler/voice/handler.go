package voice

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/model/voice"
	voicesvc "github.com/zhouzirui/z-chat/backend/internal/service/voice"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const maxUploadBytes = 32 << 20 // 32MB max

// Conversation 抽象语音对话，便于测试与替换实现
type Conversation interface {
	Converse(ctx context.Context, audio []byte, contentType string) (*voice.Response, error)
}

// Handler 语音对话的HTTP处理器
type Handler struct {
	voiceSvc Conversation
}

// New 创建语音处理器
func New(voiceSvc Conversation) *Handler {
	return &Handler{voiceSvc: voiceSvc}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/voice", h.handleConverse)
	r.Get("/voice/health", h.handleHealth)
}

// handleConverse 上传一段语音，返回代理回复的 data URL
func (h *Handler) handleConverse(w http.ResponseWriter, r *http.Request) {
	if h.voiceSvc == nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, voice.Response{Error: "voice conversation is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, voice.Response{Error: "failed to parse multipart form: " + err.Error()})
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	audio, contentType, err := readAudio(r)
	if err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, voice.Response{Error: voicesvc.ErrorMessage(err)})
		return
	}

	resp, err := h.voiceSvc.Converse(r.Context(), audio, contentType)
	if err != nil {
		log.Printf("[voice] conversation error: %v", err)
		utils.RespondJSON(w, statusFor(err), voice.Response{Error: voicesvc.ErrorMessage(err)})
		return
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

func readAudio(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, "", voicesvc.ErrNoAudio
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	if len(audio) == 0 {
		return nil, "", voicesvc.ErrNoAudio
	}
	return audio, header.Header.Get("Content-Type"), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, voicesvc.ErrNoAudio):
		return http.StatusBadRequest
	case errors.Is(err, voicesvc.ErrUnsupportedAudioFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.voiceSvc == nil {
		status = "disabled"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": "voice",
	})
}
