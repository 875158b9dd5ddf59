package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/protocol/anthropic"
)

// AnthropicHandler serves the Anthropic Messages dialect.
type AnthropicHandler struct {
	relay   *usecase.Relay
	monitor *monitoring.Monitor
	logger  *zap.Logger
}

// NewAnthropicHandler 创建 Anthropic 协议处理器
func NewAnthropicHandler(relay *usecase.Relay, monitor *monitoring.Monitor, logger *zap.Logger) *AnthropicHandler {
	return &AnthropicHandler{relay: relay, monitor: monitor, logger: logger}
}

// CreateMessage handles POST /v1/messages.
func (h *AnthropicHandler) CreateMessage(c *gin.Context) {
	var req anthropic.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	prompt, err := anthropic.ToPrompt(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewError("invalid_request_error", err.Error()))
		return
	}

	flow := h.monitor.Begin("anthropic", c.Request.Method, c.Request.URL.Path, c.ClientIP(), req.Model, req.Stream)
	msgID := hexID("msg_", 24)

	if !req.Stream {
		ctx, cancel := context.WithTimeout(c.Request.Context(), completeTimeout)
		defer cancel()

		res, err := h.relay.Complete(ctx, prompt, flow)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, anthropic.BuildResponse(res, req.Model, msgID))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	if prompt.PseudoStream {
		h.pseudoStream(ctx, c, prompt, flow, msgID, req.Model)
		return
	}
	h.stream(ctx, c, prompt, flow, msgID, req.Model)
}

// stream relays with live delivery. The event stream opens lazily on the
// first fragment; failures before that point still get a plain JSON error
// with a real status, failures after it become a terminal error event.
func (h *AnthropicHandler) stream(ctx context.Context, c *gin.Context, prompt *chat.Prompt, flow *monitoring.Flow, msgID, modelName string) {
	w := anthropic.NewStreamWriter(c.Writer, msgID, modelName)
	started := false
	open := func() error {
		if started {
			return nil
		}
		sseHeaders(c)
		started = true
		return w.Start()
	}

	res, err := h.relay.Stream(ctx, prompt, flow, func(fragment string) error {
		if err := open(); err != nil {
			return err
		}
		return w.WriteText(fragment)
	})
	if err != nil {
		if !started {
			h.renderError(c, err)
			return
		}
		if requestGone(c) {
			return
		}
		_, errType, message := relayFailure(err)
		_ = w.WriteError(anthropic.ErrorTypeFor(errType), message)
		return
	}

	// Tool-only replies produce no text fragments; open the stream now so
	// the terminal events have somewhere to go.
	if err := open(); err != nil {
		return
	}
	_ = w.Finish(res.ToolUses, res.StopReason)
}

// pseudoStream buffers the full reply and replays it as paced SSE chunks.
// The upstream call is non-streaming, so the relay's full retry ladder
// stays in play.
func (h *AnthropicHandler) pseudoStream(ctx context.Context, c *gin.Context, prompt *chat.Prompt, flow *monitoring.Flow, msgID, modelName string) {
	res, err := h.relay.Complete(ctx, prompt, flow)
	if err != nil {
		h.renderError(c, err)
		return
	}

	sseHeaders(c)
	w := anthropic.NewStreamWriter(c.Writer, msgID, modelName)
	if err := w.Start(); err != nil {
		return
	}
	if err := replayChunked(ctx, res.Text, w.WriteText); err != nil {
		return
	}
	_ = w.Finish(res.ToolUses, res.StopReason)
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *AnthropicHandler) CountTokens(c *gin.Context) {
	var req anthropic.CountTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{InputTokens: anthropic.CountTokens(&req)})
}

func (h *AnthropicHandler) renderError(c *gin.Context, err error) {
	if requestGone(c) {
		return
	}
	status, errType, message := relayFailure(err)
	c.JSON(status, anthropic.NewError(anthropic.ErrorTypeFor(errType), message))
}
