// Package gemini translates the Gemini generateContent dialect to and from
// the canonical prompt model.
package gemini

import "net/http"

// --- Gemini generateContent API Types ---
// Reference: https://ai.google.dev/api/rest/v1beta/models/generateContent
//
// Key differences from the other dialects:
// - the model name lives in the URL path, not the body
// - conversation turns are contents[].parts[] with role "user" | "model"
// - the system prompt is a separate systemInstruction content

// Request is the inbound generateContent request.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// Part is one content element; only text parts are honored.
type Part struct {
	Text string `json:"text,omitempty"`
}

// GenerationConfig is accepted but not forwarded: the upstream exposes no
// generation knobs.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	CandidateCount  int     `json:"candidateCount,omitempty"`
}

// Response is the generateContent reply.
type Response struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
}

// Candidate is a single response candidate.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"` // "STOP"
	Index        int     `json:"index"`
}

// UsageMetadata reports token consumption. The upstream reports no
// counts, so these stay zero.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// --- Error shape ---

// ErrorStatus is the inner google.rpc-style error object.
type ErrorStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ErrorBody is the dialect error envelope:
// {"error":{"code","message","status"}}.
type ErrorBody struct {
	Error ErrorStatus `json:"error"`
}

// NewError builds the dialect error envelope for an HTTP status code.
func NewError(code int, message string) ErrorBody {
	return ErrorBody{Error: ErrorStatus{Code: code, Message: message, Status: StatusName(code)}}
}

// StatusName maps an HTTP status to its google.rpc status name.
func StatusName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
