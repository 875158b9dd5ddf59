package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/infrastructure/monitoring"
	"github.com/kirogate/kirogate/internal/protocol/openai"
)

// OpenAIHandler serves the OpenAI Chat Completions and Responses dialects.
type OpenAIHandler struct {
	relay   *usecase.Relay
	monitor *monitoring.Monitor
	logger  *zap.Logger
}

// NewOpenAIHandler 创建 OpenAI 协议处理器
func NewOpenAIHandler(relay *usecase.Relay, monitor *monitoring.Monitor, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{relay: relay, monitor: monitor, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req openai.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openai.NewError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	prompt, err := openai.ToPrompt(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewError("invalid_request_error", err.Error()))
		return
	}

	flow := h.monitor.Begin("openai", c.Request.Method, c.Request.URL.Path, c.ClientIP(), req.Model, req.Stream)
	id := hexID("chatcmpl-", 24)
	created := time.Now().Unix()

	if !req.Stream {
		ctx, cancel := context.WithTimeout(c.Request.Context(), completeTimeout)
		defer cancel()

		res, err := h.relay.Complete(ctx, prompt, flow)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, openai.BuildResponse(res, req.Model, id, created))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	w := openai.NewStreamWriter(c.Writer, id, req.Model)
	if prompt.PseudoStream {
		res, err := h.relay.Complete(ctx, prompt, flow)
		if err != nil {
			h.renderError(c, err)
			return
		}
		sseHeaders(c)
		if err := replayChunked(ctx, res.Text, w.WriteText); err != nil {
			return
		}
		_ = w.Finish(res.ToolUses, res.StopReason)
		return
	}

	started := false
	res, err := h.relay.Stream(ctx, prompt, flow, func(fragment string) error {
		if !started {
			sseHeaders(c)
			started = true
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
		_ = w.WriteError(openai.ErrorTypeFor(errType), message)
		return
	}
	if !started {
		sseHeaders(c)
	}
	_ = w.Finish(res.ToolUses, res.StopReason)
}

// Responses handles POST /v1/responses, the Responses-API variant of the
// same dialect.
func (h *OpenAIHandler) Responses(c *gin.Context) {
	var req openai.ResponsesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openai.NewError("invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}

	prompt, err := openai.ResponsesToPrompt(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, openai.NewError("invalid_request_error", err.Error()))
		return
	}

	flow := h.monitor.Begin("openai", c.Request.Method, c.Request.URL.Path, c.ClientIP(), req.Model, req.Stream)
	respID := hexID("resp_", 24)
	msgID := hexID("msg_", 24)
	created := time.Now().Unix()

	if !req.Stream {
		ctx, cancel := context.WithTimeout(c.Request.Context(), completeTimeout)
		defer cancel()

		res, err := h.relay.Complete(ctx, prompt, flow)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, openai.BuildResponsesResponse(res, req.Model, respID, msgID, created))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	w := openai.NewResponsesStreamWriter(c.Writer, respID, msgID, req.Model)
	open := func() error {
		sseHeaders(c)
		return w.Start()
	}

	if prompt.PseudoStream {
		res, err := h.relay.Complete(ctx, prompt, flow)
		if err != nil {
			h.renderError(c, err)
			return
		}
		if err := open(); err != nil {
			return
		}
		if err := replayChunked(ctx, res.Text, w.WriteText); err != nil {
			return
		}
		_ = w.Finish()
		return
	}

	started := false
	_, err = h.relay.Stream(ctx, prompt, flow, func(fragment string) error {
		if !started {
			if err := open(); err != nil {
				return err
			}
			started = true
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
		_ = w.WriteError(openai.ErrorTypeFor(errType), message)
		return
	}
	if !started {
		if err := open(); err != nil {
			return
		}
	}
	_ = w.Finish()
}

func (h *OpenAIHandler) renderError(c *gin.Context, err error) {
	if requestGone(c) {
		return
	}
	status, errType, message := relayFailure(err)
	c.JSON(status, openai.NewError(openai.ErrorTypeFor(errType), message))
}
