// Package handlers implements the gin handlers for the three dialect
// surfaces and the admin API. Dialect handlers share one shape: bind,
// convert to the canonical prompt, open a flow record, relay, render in
// the dialect's own envelope.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirogate/kirogate/internal/application/usecase"
	"github.com/kirogate/kirogate/internal/domain/chat"
	"github.com/kirogate/kirogate/internal/infrastructure/kiro"
)

const (
	// completeTimeout bounds a buffered relay end to end.
	completeTimeout = 120 * time.Second
	// streamTimeout bounds a streaming relay including delivery.
	streamTimeout = 300 * time.Second

	// Pseudo-stream replay cadence: the buffered reply is cut into
	// fragments of this many runes and paced at this interval.
	pseudoChunkSize  = 20
	pseudoChunkDelay = 20 * time.Millisecond
)

// relayFailure maps a relay error onto the upstream failure taxonomy and
// the HTTP status to surface. The per-dialect type strings come from each
// protocol package's ErrorTypeFor.
func relayFailure(err error) (status int, errType kiro.ErrorType, message string) {
	if errors.Is(err, usecase.ErrNoCredentials) {
		return http.StatusServiceUnavailable, kiro.ErrorServiceUnavailable,
			"No available accounts, please try again later"
	}
	var upErr *kiro.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.DownstreamStatus(), upErr.Type, upErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, kiro.ErrorServiceUnavailable, "Request timed out"
	}
	return http.StatusInternalServerError, kiro.ErrorUnknown, err.Error()
}

// requestGone reports whether the downstream client has disconnected.
// Once it has, response writes are pointless; the relay has already
// recorded the outcome.
func requestGone(c *gin.Context) bool {
	return c.Request.Context().Err() != nil
}

// sseHeaders marks the response as an event stream. Dialect handlers call
// it lazily, on the first delivered fragment, so failures before any
// delivery still carry a real status code and a JSON error body.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// replayChunked paces a buffered reply out as small fragments so pseudo
// streaming looks incremental downstream. Stops when the client goes away.
func replayChunked(ctx context.Context, text string, write func(string) error) error {
	for _, piece := range chat.ChunkText(text, pseudoChunkSize) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pseudoChunkDelay):
		}
		if err := write(piece); err != nil {
			return err
		}
	}
	return nil
}

// hexID builds a prefixed hex identifier in the dialects' house style,
// e.g. msg_0c5725a2... or chatcmpl-4f1d....
func hexID(prefix string, n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return prefix + id[:n]
}
