package chat

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const maxBodyBytes = 8 << 20

// Handler 聊天会话的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Post("/chats/new", h.handleNewChat)
	r.Get("/chats/{chatID}", h.handleSwitchChat)
	r.Patch("/chats/{chatID}", h.handleRenameChat)
	r.Delete("/chats/{chatID}", h.handleDeleteChat)
	r.Put("/model", h.handleSelectModel)
	r.Get("/storage", h.handleExportStorage)
	r.Put("/storage", h.handleImportStorage)
}

type workspaceResponse struct {
	ChatHistory   []chat.Session `json:"chatHistory"`
	ActiveChatID  string         `json:"activeChatId"`
	SelectedModel string         `json:"selectedModel"`
}

// handleListChats 列出会话，带 q 参数时按标题和内容搜索
func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientIDFrom(r.Context())

	ws, err := h.chatSvc.Workspace(r.Context(), clientID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	sessions := ws.Sessions
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		sessions, err = h.chatSvc.SearchSessions(r.Context(), clientID, q)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}

	utils.RespondJSON(w, http.StatusOK, workspaceResponse{
		ChatHistory:   sessions,
		ActiveChatID:  ws.ActiveChatID,
		SelectedModel: ws.SelectedModel,
	})
}

// handleNewChat 清空当前会话，下一条消息会创建新会话
func (h *Handler) handleNewChat(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientIDFrom(r.Context())
	if err := h.chatSvc.StartNewChat(r.Context(), clientID); err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"activeChatId":  "",
		"selectedModel": h.chatSvc.DefaultModel(),
	})
}

// handleSwitchChat 切换到指定会话
func (h *Handler) handleSwitchChat(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientIDFrom(r.Context())
	session, err := h.chatSvc.SwitchChat(r.Context(), clientID, chi.URLParam(r, "chatID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chat":          session,
		"activeChatId":  session.ID,
		"selectedModel": session.ModelID,
	})
}

func (h *Handler) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := middleware.ClientIDFrom(r.Context())
	session, err := h.chatSvc.RenameSession(r.Context(), clientID, chi.URLParam(r, "chatID"), payload.Title)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientIDFrom(r.Context())
	if err := h.chatSvc.DeleteSession(r.Context(), clientID, chi.URLParam(r, "chatID")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectModel 切换模型，同时更新当前会话的模型
func (h *Handler) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ModelID string `json:"modelId"`
	}
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.ModelID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "modelId is required")
		return
	}

	clientID := middleware.ClientIDFrom(r.Context())
	if err := h.chatSvc.SelectModel(r.Context(), clientID, payload.ModelID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"selectedModel": payload.ModelID})
}

// handleExportStorage 导出原始持久化数据，键名与浏览器本地存储一致
func (h *Handler) handleExportStorage(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.ClientIDFrom(r.Context())
	blobs, err := h.chatSvc.ExportState(r.Context(), clientID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, blobs)
}

// handleImportStorage 用浏览器推送的原始数据覆盖服务端状态
func (h *Handler) handleImportStorage(w http.ResponseWriter, r *http.Request) {
	var blobs map[string]string
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &blobs); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := middleware.ClientIDFrom(r.Context())
	ws, err := h.chatSvc.ImportState(r.Context(), clientID, blobs)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	sessions := ws.Sessions
	if sessions == nil {
		sessions = []chat.Session{}
	}
	utils.RespondJSON(w, http.StatusOK, workspaceResponse{
		ChatHistory:   sessions,
		ActiveChatID:  ws.ActiveChatID,
		SelectedModel: ws.SelectedModel,
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrModelNotFound),
		errors.Is(err, chatService.ErrInvalidState),
		errors.Is(err, chatService.ErrClientRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[chat] request failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
