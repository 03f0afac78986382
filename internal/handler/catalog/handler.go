package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 模型目录与提示词的HTTP处理器
type Handler struct {
	models catalog.Store
}

// New 创建目录处理器
func New(models catalog.Store) *Handler {
	return &Handler{
		models: models,
	}
}

// RegisterRoutes 注册目录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleListModels)
	r.Get("/prompts", h.handleListPrompts)
}

// handleListModels 按分类列出所有模型
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"categories":   h.models.Categories(),
		"defaultModel": catalog.DefaultModelID,
	})
}

func (h *Handler) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"starters": catalog.Starters(),
		"options":  catalog.PromptOptions(),
	})
}
