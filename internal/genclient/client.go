// Package genclient wraps the gateway's local proxy endpoints for the
// four generation flows. Each call normalizes parameters, POSTs JSON,
// and surfaces upstream errors as returned errors.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	imageProxyPath = "/api/image-proxy"
	audioProxyPath = "/api/audio-proxy"
	videoProxyPath = "/api/video-proxy"
	chatProxyPath  = "/api/chat-completion-proxy"
)

// VideoStatusProcessing marks a video generation that was accepted but
// not finished; callers must check it explicitly instead of treating the
// response as success-with-data.
const VideoStatusProcessing = "processing"

// Client talks to the gateway's proxy surface. It never sees the
// upstream API key; the proxy injects it server-side.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{http: &http.Client{}, baseURL: baseURL}
}

// ImageParams are the image generation options. Zero values fall back
// to the documented defaults.
type ImageParams struct {
	Prompt            string  `json:"prompt"`
	N                 int     `json:"n"`
	Size              string  `json:"size"`
	ResponseFormat    string  `json:"response_format"`
	User              string  `json:"user,omitempty"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Height            int     `json:"height,omitempty"`
	Width             int     `json:"width,omitempty"`
	Seed              int     `json:"seed,omitempty"`
	Model             string  `json:"model,omitempty"`
	ShowThinking      bool    `json:"show_thinking,omitempty"`
}

func (p ImageParams) withDefaults() ImageParams {
	if p.N == 0 {
		p.N = 1
	}
	if p.Size == "" {
		p.Size = "512x512"
	}
	if p.ResponseFormat == "" {
		p.ResponseFormat = "b64_json"
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = 7.5
	}
	if p.NumInferenceSteps == 0 {
		p.NumInferenceSteps = 25
	}
	return p
}

// AudioParams are the audio generation options. The remaining defaults
// (negative prompt, duration, seed, model) are merged in by the proxy.
type AudioParams struct {
	Prompt          string `json:"prompt"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Seed            int    `json:"seed,omitempty"`
	Model           string `json:"model,omitempty"`
}

// VideoParams are the video generation options. Zero values fall back to
// the documented defaults; the model is fixed.
type VideoParams struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumFrames         int     `json:"num_frames"`
	Duration          int     `json:"duration"`
	Model             string  `json:"model"`
	Seed              int     `json:"seed"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	DecodeTimestep    float64 `json:"decode_timestep"`
	DecodeNoiseScale  float64 `json:"decode_noise_scale"`
	UpscaleAndRefine  bool    `json:"upscale_and_refine"`
}

func (p VideoParams) withDefaults() VideoParams {
	if p.GuidanceScale == 0 {
		p.GuidanceScale = 7.5
	}
	if p.NumFrames == 0 {
		p.NumFrames = 65
	}
	if p.Duration == 0 {
		p.Duration = 1
	}
	if p.Model == "" {
		p.Model = "ltx-video"
	}
	if p.Width == 0 {
		p.Width = 768
	}
	if p.Height == 0 {
		p.Height = 512
	}
	if p.NumInferenceSteps == 0 {
		p.NumInferenceSteps = 50
	}
	if p.DecodeTimestep == 0 {
		p.DecodeTimestep = 0.03
	}
	if p.DecodeNoiseScale == 0 {
		p.DecodeNoiseScale = 0.025
	}
	return p
}

// ChatMessage is one turn of the outbound chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams configure one chat-completion request. The proxy forces
// streaming on regardless of what the client sends.
type ChatParams struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// GenerationData holds one generated payload from the upstream API.
type GenerationData struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// GenerationResponse is the common upstream response envelope for the
// JSON generation flows.
type GenerationResponse struct {
	Created int64            `json:"created,omitempty"`
	Data    []GenerationData `json:"data,omitempty"`
	ID      string           `json:"id,omitempty"`
	Object  string           `json:"object,omitempty"`
	Model   string           `json:"model,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// VideoResponse adds the job status video generations report; a
// "processing" status means no payload yet but a job id.
type VideoResponse struct {
	GenerationResponse
	Status string `json:"status,omitempty"`
}

// Processing reports whether the generation was accepted but is still
// running upstream. A processing status without a job id is not a valid
// in-progress response.
func (r *VideoResponse) Processing() bool {
	return r.Status == VideoStatusProcessing && r.ID != ""
}

// GenerateImage requests an image from the proxy.
func (c *Client) GenerateImage(ctx context.Context, params ImageParams) (*GenerationResponse, error) {
	var resp GenerationResponse
	if err := c.post(ctx, imageProxyPath, params.withDefaults(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateAudio requests audio from the proxy.
func (c *Client) GenerateAudio(ctx context.Context, params AudioParams) (*GenerationResponse, error) {
	var resp GenerationResponse
	if err := c.post(ctx, audioProxyPath, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateVideo requests a video from the proxy. A nil error does not
// imply payload data is present; check Processing and Status.
func (c *Client) GenerateVideo(ctx context.Context, params VideoParams) (*VideoResponse, error) {
	var resp VideoResponse
	if err := c.post(ctx, videoProxyPath, params.withDefaults(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamChatCompletion starts a streaming completion and returns the raw
// unconsumed byte stream. The caller owns the stream and must close it.
func (c *Client) StreamChatCompletion(ctx context.Context, params ChatParams) (io.ReadCloser, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatProxyPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("failed to stream chat completion: status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s", errorMessageFrom(payload, resp.StatusCode))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

// errorMessageFrom prefers the proxy's structured error body and falls
// back to a generic message when the body is not JSON.
func errorMessageFrom(payload []byte, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("API request via proxy failed with status %d", status)
}

func readErrorMessage(r io.Reader) string {
	payload, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(payload) == 0 {
		return "unknown error from proxy"
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return string(payload)
}
