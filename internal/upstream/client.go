// Package upstream forwards generation requests to the third-party
// generative API, injecting the server-held credentials. It is the only
// package that ever sees the upstream API key.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "genchat/internal/errors"
)

const (
	imagesEndpoint = "/images/generations"
	audioEndpoint  = "/audio/generations"
	videosEndpoint = "/videos/generations"
	chatEndpoint   = "/chat/completions"
)

// Error is an upstream failure carrying the status code to relay and a
// best-effort human-readable message extracted from the error body.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// Client forwards requests to the upstream API.
type Client struct {
	http              *http.Client
	apiKey            string
	baseURL           string
	audioBaseURL      string
	audioDefaultModel string
}

// Options configure a Client. AudioBaseURL falls back to BaseURL.
type Options struct {
	APIKey            string
	BaseURL           string
	AudioBaseURL      string
	AudioDefaultModel string
}

func NewClient(opts Options) *Client {
	audioBase := opts.AudioBaseURL
	if audioBase == "" {
		audioBase = opts.BaseURL
	}
	return &Client{
		http:              &http.Client{},
		apiKey:            opts.APIKey,
		baseURL:           strings.TrimSuffix(opts.BaseURL, "/"),
		audioBaseURL:      strings.TrimSuffix(audioBase, "/"),
		audioDefaultModel: opts.AudioDefaultModel,
	}
}

// CheckConfigured reports the missing server-side configuration, if any.
// A proxy call without credentials fails fast with a descriptive error
// instead of reaching upstream.
func (c *Client) CheckConfigured() error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: upstream API key not configured on server", apperrors.ErrConfig)
	}
	if c.baseURL == "" {
		return fmt.Errorf("%w: upstream API URL not configured on server", apperrors.ErrConfig)
	}
	return nil
}

// GenerateImage forwards the client's JSON body verbatim and returns the
// upstream JSON response along with its status code.
func (c *Client) GenerateImage(ctx context.Context, body []byte) (json.RawMessage, int, error) {
	return c.forwardJSON(ctx, c.baseURL+imagesEndpoint, body)
}

// audioRequest is the audio body shape the upstream expects; the proxy
// merges documented defaults into whatever the client omitted.
type audioRequest struct {
	Prompt          string `json:"prompt"`
	NegativePrompt  string `json:"negative_prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	Seed            int    `json:"seed"`
	Model           string `json:"model"`
}

// GenerateAudio merges the audio defaults into the request and forwards
// it to the audio-specific upstream endpoint.
func (c *Client) GenerateAudio(ctx context.Context, body []byte) (json.RawMessage, int, error) {
	var req audioRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, 0, fmt.Errorf("%w: invalid audio request body", apperrors.ErrValidation)
	}
	if req.NegativePrompt == "" {
		req.NegativePrompt = "Low quality."
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = 10
	}
	if req.Model == "" {
		req.Model = c.audioDefaultModel
	}

	merged, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("could not marshal audio request: %w", err)
	}
	return c.forwardJSON(ctx, c.audioBaseURL+audioEndpoint, merged)
}

// GenerateVideo forwards the body verbatim but tolerates the upstream's
// ad hoc streaming-style success body: a concatenation of "data: {json}"
// segments where only the last object is authoritative. An OK status
// with an unparsable body is a bad gateway, not a success.
func (c *Client) GenerateVideo(ctx context.Context, body []byte) (json.RawMessage, int, error) {
	resp, err := c.do(ctx, c.baseURL+videosEndpoint, body, "application/json")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("could not read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, &Error{
			StatusCode: resp.StatusCode,
			Message:    extractMessage(payload, "Failed to generate video from upstream API."),
		}
	}

	result, err := ParseVideoBody(payload)
	if err != nil {
		return nil, 0, err
	}
	return result, resp.StatusCode, nil
}

// ParseVideoBody extracts the authoritative JSON object from a video
// success body, handling both a plain object and the concatenated
// "data: {json}" form.
func ParseVideoBody(payload []byte) (json.RawMessage, error) {
	text := string(payload)
	if !strings.Contains(text, "data: ") {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: upstream returned OK with invalid JSON body", apperrors.ErrBadGateway)
		}
		return json.RawMessage(payload), nil
	}

	parts := strings.Split(text, "data: ")
	last := ""
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			last = strings.TrimSpace(part)
		}
	}
	if last == "" {
		return nil, fmt.Errorf("%w: upstream sent data segments with no parsable JSON objects", apperrors.ErrBadGateway)
	}
	if !json.Valid([]byte(last)) {
		return nil, fmt.Errorf("%w: failed to parse final JSON object of streamed body", apperrors.ErrBadGateway)
	}
	return json.RawMessage(last), nil
}

// StreamChatCompletion forces streaming on and returns the live upstream
// response for relay. The caller owns the response body.
func (c *Client) StreamChatCompletion(ctx context.Context, body []byte) (*http.Response, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid chat completion request body", apperrors.ErrValidation)
	}
	req["stream"] = true

	forced, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not marshal chat request: %w", err)
	}

	resp, err := c.do(ctx, c.baseURL+chatEndpoint, forced, "application/json")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    extractMessage(payload, "Failed to get chat completion from upstream API."),
		}
	}
	return resp, nil
}

func (c *Client) forwardJSON(ctx context.Context, url string, body []byte) (json.RawMessage, int, error) {
	resp, err := c.do(ctx, url, body, "application/json")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("could not read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, &Error{
			StatusCode: resp.StatusCode,
			Message:    extractMessage(payload, "Failed to generate from upstream API."),
		}
	}
	return json.RawMessage(payload), resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, url string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// extractMessage pulls a human-readable message out of the upstream
// error shapes: {"detail": ...}, {"error": {"message": ...}},
// {"error": "..."} or plain text.
func extractMessage(payload []byte, fallback string) string {
	var structured struct {
		Detail string          `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &structured); err == nil {
		if structured.Detail != "" {
			return structured.Detail
		}
		if len(structured.Error) > 0 {
			var asString string
			if err := json.Unmarshal(structured.Error, &asString); err == nil && asString != "" {
				return asString
			}
			var asObject struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(structured.Error, &asObject); err == nil && asObject.Message != "" {
				return asObject.Message
			}
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		if len(text) > 500 {
			text = text[:500]
		}
		return text
	}
	return fallback
}
