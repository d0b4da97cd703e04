package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "genchat/internal/errors"
	"genchat/internal/upstream"
)

// maxProxyBodyBytes bounds generation request bodies. Prompts are small;
// anything larger is a mistake or abuse.
const maxProxyBodyBytes = 1 << 20

// ProxyHandler exposes the generation proxy routes. The server-side
// upstream credentials never reach the client; every request is
// re-signed here.
type ProxyHandler struct {
	upstream *upstream.Client
}

func NewProxyHandler(client *upstream.Client) *ProxyHandler {
	return &ProxyHandler{upstream: client}
}

// generationRequest is the minimal shape every generation body shares.
// The full body is forwarded verbatim; only the prompt is checked here.
type generationRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

func (h *ProxyHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBodyBytes))
	if err != nil {
		respondWithError(w, fmt.Errorf("%w: could not read request body", apperrors.ErrValidation))
		return nil, false
	}
	return body, true
}

func (h *ProxyHandler) validateGeneration(body []byte) error {
	var req generationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", apperrors.ErrValidation)
	}
	return validateRequest(req)
}

// HandleImageProxy godoc
// @Summary      Generate an image
// @Description  Forwards an image generation request to the upstream API, injecting the server-side API key.
// @Tags         proxy
// @Accept       json
// @Produce      json
// @Param        request body object true "Upstream image generation body"
// @Success      200 {object} object
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /api/image-proxy [post]
func (h *ProxyHandler) HandleImageProxy(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.validateGeneration(body); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.upstream.CheckConfigured(); err != nil {
		respondWithError(w, err)
		return
	}

	payload, status, err := h.upstream.GenerateImage(r.Context(), body)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithRaw(w, status, payload)
}

// HandleAudioProxy godoc
// @Summary      Generate audio
// @Description  Forwards an audio generation request with server-side defaults merged in.
// @Tags         proxy
// @Accept       json
// @Produce      json
// @Param        request body object true "Upstream audio generation body"
// @Success      200 {object} object
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /api/audio-proxy [post]
func (h *ProxyHandler) HandleAudioProxy(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.validateGeneration(body); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.upstream.CheckConfigured(); err != nil {
		respondWithError(w, err)
		return
	}

	payload, status, err := h.upstream.GenerateAudio(r.Context(), body)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithRaw(w, status, payload)
}

// HandleVideoProxy godoc
// @Summary      Generate a video
// @Description  Forwards a video generation request and normalizes the upstream's streamed success body into a single JSON object.
// @Tags         proxy
// @Accept       json
// @Produce      json
// @Param        request body object true "Upstream video generation body"
// @Success      200 {object} object
// @Failure      400 {object} ErrorResponse
// @Failure      502 {object} ErrorResponse
// @Router       /api/video-proxy [post]
func (h *ProxyHandler) HandleVideoProxy(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.validateGeneration(body); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.upstream.CheckConfigured(); err != nil {
		respondWithError(w, err)
		return
	}

	payload, status, err := h.upstream.GenerateVideo(r.Context(), body)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithRaw(w, status, payload)
}

// HandleChatCompletionProxy godoc
// @Summary      Stream a chat completion
// @Description  Forces streaming mode and relays the upstream SSE byte stream without buffering.
// @Tags         proxy
// @Accept       json
// @Produce      text/event-stream
// @Param        request body object true "Upstream chat completion body"
// @Success      200 {string} string "SSE stream"
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /api/chat-completion-proxy [post]
func (h *ProxyHandler) HandleChatCompletionProxy(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.upstream.CheckConfigured(); err != nil {
		respondWithError(w, err)
		return
	}

	resp, err := h.upstream.StreamChatCompletion(r.Context(), body)
	if err != nil {
		respondWithError(w, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Warn("Client disconnected during chat stream", "error", writeErr)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Warn("Upstream chat stream ended with error", "error", readErr)
			}
			return
		}
	}
}
