package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/internal/domain/model"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
)

// modelListTimeout bounds the upstream model-list fetch; past it the
// static fallback answers.
const modelListTimeout = 30 * time.Second

// ModelLister is the slice of the upstream client the model endpoints
// need. *kiro.Client implements it.
type ModelLister interface {
	ListModels(ctx context.Context, id kiro.Identity) ([]kiro.ModelInfo, error)
}

// ModelEntry is one entry of the OpenAI-shaped model list.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Name    string `json:"name,omitempty"`
}

// ModelList is the /v1/models response envelope.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelsHandler serves GET /v1/models: the upstream list when a credential
// can fetch it, a static fallback otherwise, and pseudo-stream twins of
// every entry either way.
type ModelsHandler struct {
	pool   *credential.Pool
	client ModelLister
	logger *zap.Logger
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(pool *credential.Pool, client ModelLister, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{pool: pool, client: client, logger: logger}
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(c *gin.Context) {
	entries := h.upstreamModels(c.Request.Context())
	if entries == nil {
		entries = fallbackModels()
	}

	out := make([]ModelEntry, 0, len(entries)*2)
	out = append(out, entries...)
	for _, e := range entries {
		e.ID = "pseudo/" + e.ID
		out = append(out, e)
	}
	c.JSON(http.StatusOK, ModelList{Object: "list", Data: out})
}

// upstreamModels fetches the live list through any available credential.
// Any failure degrades to nil; the caller falls back to the static list.
func (h *ModelsHandler) upstreamModels(ctx context.Context) []ModelEntry {
	cred := h.availableCredential()
	if cred == nil {
		return nil
	}

	listCtx, cancel := context.WithTimeout(ctx, modelListTimeout)
	defer cancel()

	infos, err := h.client.ListModels(listCtx, kiro.Identity{
		AccessToken: cred.AccessToken(),
		MachineID:   cred.MachineID(),
	})
	if err != nil || len(infos) == 0 {
		if err != nil {
			h.logger.Debug("upstream model list unavailable", zap.Error(err))
		}
		return nil
	}

	entries := make([]ModelEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, ModelEntry{ID: info.ID, Object: "model", OwnedBy: "kiro", Name: info.Name})
	}
	return entries
}

func (h *ModelsHandler) availableCredential() *credential.Credential {
	now := time.Now()
	for _, c := range h.pool.List() {
		if c.Available(now) && c.AccessToken() != "" {
			return c
		}
	}
	return nil
}

func fallbackModels() []ModelEntry {
	ids := []struct{ id, name string }{
		{model.Auto, "Auto"},
		{model.SonnetV45, "Claude Sonnet 4.5"},
		{model.Sonnet, "Claude Sonnet 4"},
		{model.Haiku, "Claude Haiku 4.5"},
		{model.Opus, "Claude Opus 4.5"},
	}
	entries := make([]ModelEntry, 0, len(ids))
	for _, m := range ids {
		entries = append(entries, ModelEntry{ID: m.id, Object: "model", OwnedBy: "kiro", Name: m.name})
	}
	return entries
}
