package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/protocol/gemini"
)

// GeminiHandler serves the Gemini generateContent dialect. The route param
// carries both the model and the action, e.g. "gemini-pro:generateContent";
// only generateContent is supported, and replies are always buffered.
type GeminiHandler struct {
	relay   *usecase.Relay
	monitor *monitoring.Monitor
	logger  *zap.Logger
}

// NewGeminiHandler 创建 Gemini 协议处理器
func NewGeminiHandler(relay *usecase.Relay, monitor *monitoring.Monitor, logger *zap.Logger) *GeminiHandler {
	return &GeminiHandler{relay: relay, monitor: monitor, logger: logger}
}

// Generate handles POST /v1/models/:model and its /v1beta twin.
func (h *GeminiHandler) Generate(c *gin.Context) {
	modelName, action := splitAction(c.Param("model"))
	if action != "generateContent" {
		c.JSON(http.StatusNotFound, gemini.NewError(http.StatusNotFound, "unsupported action: "+action))
		return
	}

	var req gemini.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gemini.NewError(http.StatusBadRequest, "Invalid request body: "+err.Error()))
		return
	}

	prompt, err := gemini.ToPrompt(modelName, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gemini.NewError(http.StatusBadRequest, err.Error()))
		return
	}

	flow := h.monitor.Begin("gemini", c.Request.Method, c.Request.URL.Path, c.ClientIP(), modelName, false)

	ctx, cancel := context.WithTimeout(c.Request.Context(), completeTimeout)
	defer cancel()

	res, err := h.relay.Complete(ctx, prompt, flow)
	if err != nil {
		if requestGone(c) {
			return
		}
		status, _, message := relayFailure(err)
		c.JSON(status, gemini.NewError(status, message))
		return
	}
	c.JSON(http.StatusOK, gemini.BuildResponse(res))
}

// splitAction separates "model:action" on the last colon. Model names may
// themselves contain colons upstream of the action suffix.
func splitAction(param string) (modelName, action string) {
	idx := strings.LastIndex(param, ":")
	if idx < 0 {
		return param, ""
	}
	return param[:idx], param[idx+1:]
}
