package kiro

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientConfig 上游客户端配置
type ClientConfig struct {
	APIURL     string `yaml:"api_url" mapstructure:"api_url"`
	ModelsURL  string `yaml:"models_url" mapstructure:"models_url"`
	IDEVersion string `yaml:"ide_version" mapstructure:"ide_version"`
	AgentMode  string `yaml:"agent_mode" mapstructure:"agent_mode"`
	ProfileArn string `yaml:"profile_arn" mapstructure:"profile_arn"`

	StreamTimeout  time.Duration `yaml:"stream_timeout" mapstructure:"stream_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ModelsTimeout  time.Duration `yaml:"models_timeout" mapstructure:"models_timeout"`
}

// DefaultClientConfig 返回默认上游客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIURL:         "https://q.us-east-1.amazonaws.com/generateAssistantResponse",
		ModelsURL:      "https://q.us-east-1.amazonaws.com/ListAvailableModels",
		IDEVersion:     "0.8.0",
		AgentMode:      "vibe",
		StreamTimeout:  300 * time.Second,
		RequestTimeout: 120 * time.Second,
		ModelsTimeout:  30 * time.Second,
	}
}

// Identity carries the per-credential values stamped onto each upstream
// call: the bearer token, the stable machine fingerprint for the
// user-agent, and an optional profile ARN.
type Identity struct {
	AccessToken string
	MachineID   string
	ProfileArn  string
}

// ModelInfo is one entry of the upstream model list.
type ModelInfo struct {
	ID   string
	Name string
}

// Client is the HTTP client for the upstream assistant endpoint.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient 创建上游客户端
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Transport-level timeouts only; no total client timeout so long
	// streamed replies are not killed. Cancellation rides the request
	// context. Certificate verification stays off to match the IDE
	// client the upstream expects.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "kiro_client")),
	}
}

// Invoke posts a conversation to the upstream and returns the raw
// event-stream body on success. Non-200 replies and transport failures
// come back as *UpstreamError. The caller owns the returned body; closing
// it releases the per-call timeout.
func (c *Client) Invoke(ctx context.Context, req *Request, id Identity, stream bool) (io.ReadCloser, error) {
	timeout := c.cfg.RequestTimeout
	if stream {
		timeout = c.cfg.StreamTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	body, err := c.post(callCtx, req, id)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

func (c *Client) post(ctx context.Context, req *Request, id Identity) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	c.stampHeaders(httpReq.Header, id)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		upErr := Classify(resp.StatusCode, string(raw))
		c.logger.Warn("upstream error reply",
			zap.Int("status", resp.StatusCode),
			zap.String("type", upErr.Type.String()),
			zap.String("body", upErr.Body))
		return nil, upErr
	}
	return resp.Body, nil
}

// stampHeaders writes the headers the upstream requires. The invocation id
// is fresh per call; the user-agent embeds the credential's machine id.
func (c *Client) stampHeaders(h http.Header, id Identity) {
	h.Set("content-type", "application/json")
	h.Set("x-amzn-codewhisperer-optout", "true")
	h.Set("x-amzn-kiro-agent-mode", c.cfg.AgentMode)
	h.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", c.cfg.IDEVersion, id.MachineID))
	h.Set("amz-sdk-invocation-id", uuid.NewString())
	h.Set("amz-sdk-request", "attempt=1; max=3")
	h.Set("Authorization", "Bearer "+id.AccessToken)
}

type modelListReply struct {
	Models []struct {
		ModelID   string `json:"modelId"`
		ModelName string `json:"modelName"`
	} `json:"models"`
}

// ListModels fetches the upstream model list. Also used as the lightweight
// health probe for a credential.
func (c *Client) ListModels(ctx context.Context, id Identity) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ModelsTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	httpReq.URL.RawQuery = url.Values{"origin": {originAIEditor}}.Encode()
	// The model-list endpoint sees a different SDK version string than the
	// assistant endpoint; kept as observed.
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", c.cfg.IDEVersion, id.MachineID))
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	httpReq.Header.Set("Authorization", "Bearer "+id.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, Classify(resp.StatusCode, string(raw))
	}

	var reply modelListReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	models := make([]ModelInfo, 0, len(reply.Models))
	for _, m := range reply.Models {
		models = append(models, ModelInfo{ID: m.ModelID, Name: m.ModelName})
	}
	return models, nil
}

// cancelOnClose ties a context cancel func to the body's lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
