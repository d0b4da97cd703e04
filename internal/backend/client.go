// Package backend is the client for the external chat/search service:
// provider catalog, chat history, sharing, suggestions, and media search.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"genchat/internal/auth"
	apperrors "genchat/internal/errors"
	"genchat/internal/model"
)

// Catalog is the provider catalog advertised by GET /models: provider
// name to the set of models it serves.
type Catalog struct {
	ChatModelProviders      map[string]map[string]json.RawMessage `json:"chatModelProviders"`
	EmbeddingModelProviders map[string]map[string]json.RawMessage `json:"embeddingModelProviders"`
}

// ImageResult is one hit from the image search endpoint.
type ImageResult struct {
	URL    string `json:"url"`
	ImgSrc string `json:"img_src"`
	Title  string `json:"title"`
}

// VideoResult is one hit from the video search endpoint.
type VideoResult struct {
	URL       string `json:"url"`
	ImgSrc    string `json:"img_src"`
	Title     string `json:"title"`
	IframeSrc string `json:"iframe_src"`
}

// Client talks to the backend REST surface. All calls attach the session
// token from the TokenSource as the Authorization header.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  auth.TokenSource
}

func NewClient(baseURL string, tokens auth.TokenSource) *Client {
	return &Client{
		http:    &http.Client{},
		baseURL: baseURL,
		tokens:  tokens,
	}
}

// NewClientWithJar builds a client whose HTTP client carries a cookie
// jar, so an auth.CookieTokenSource sharing the jar observes the token
// cookie the backend sets on sign-in.
func NewClientWithJar(baseURL string, tokens auth.TokenSource, jar http.CookieJar) *Client {
	c := NewClient(baseURL, tokens)
	c.http.Jar = jar
	return c
}

// GetModels fetches the provider catalog used for model selection.
func (c *Client) GetModels(ctx context.Context) (*Catalog, error) {
	var catalog Catalog
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &catalog); err != nil {
		return nil, fmt.Errorf("could not fetch model providers: %w", err)
	}
	return &catalog, nil
}

// chatMessage is the wire shape of a stored message: the base fields
// plus an opaque metadata blob holding the media payload fields.
type chatMessage struct {
	model.Message
	Metadata string `json:"metadata"`
}

type fullChatResponse struct {
	Chat     model.Chat    `json:"chat"`
	Messages []chatMessage `json:"messages"`
}

// GetChat loads a persisted conversation. A backend 404 is reported as
// apperrors.ErrNotFound so callers can distinguish a dead link from a
// load failure.
func (c *Client) GetChat(ctx context.Context, chatID string) (*model.FullChat, error) {
	var resp fullChatResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chats/"+chatID, nil, &resp); err != nil {
		return nil, err
	}

	full := &model.FullChat{Chat: resp.Chat, Messages: make([]model.Message, 0, len(resp.Messages))}
	for _, wire := range resp.Messages {
		msg := wire.Message
		if wire.Metadata != "" {
			// The metadata blob carries the fields the backend does not
			// model natively. Explicit fields win over metadata.
			var meta model.Message
			if err := json.Unmarshal([]byte(wire.Metadata), &meta); err == nil {
				mergeMetadata(&msg, &meta)
			}
		}
		if msg.Type == "" {
			msg.Type = model.TypeText
		}
		full.Messages = append(full.Messages, msg)
	}
	return full, nil
}

func mergeMetadata(msg, meta *model.Message) {
	if msg.Type == "" {
		msg.Type = meta.Type
	}
	if msg.Status == "" {
		msg.Status = meta.Status
	}
	if msg.ImagePromptText == "" {
		msg.ImagePromptText = meta.ImagePromptText
	}
	if msg.AudioPromptText == "" {
		msg.AudioPromptText = meta.AudioPromptText
	}
	if msg.VideoPromptText == "" {
		msg.VideoPromptText = meta.VideoPromptText
	}
	if msg.B64JSON == "" {
		msg.B64JSON = meta.B64JSON
	}
	if msg.B64JSONAudio == "" {
		msg.B64JSONAudio = meta.B64JSONAudio
	}
	if msg.B64JSONVideo == "" {
		msg.B64JSONVideo = meta.B64JSONVideo
	}
}

// ListChats returns the user's conversation library.
func (c *Client) ListChats(ctx context.Context) ([]model.Chat, error) {
	var resp struct {
		Chats []model.Chat `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// DeleteChat removes a conversation from the backend.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chats/"+chatID, nil, nil)
}

// ShareChat publishes a conversation and returns its public URL.
func (c *Client) ShareChat(ctx context.Context, chatID string) (string, error) {
	body := map[string]string{"chatId": chatID}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chats/share", body, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// GetSuggestions asks the backend for follow-up prompts based on the
// text-only conversation so far.
func (c *Client) GetSuggestions(ctx context.Context, history []model.HistoryPair) ([]string, error) {
	body := map[string]any{"chatHistory": history}
	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/suggestions", body, &resp); err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}

// SearchImages runs the backend image search for a query in the context
// of the conversation.
func (c *Client) SearchImages(ctx context.Context, query string, history []model.HistoryPair) ([]ImageResult, error) {
	body := map[string]any{"query": query, "chatHistory": history}
	var resp struct {
		Images []ImageResult `json:"images"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/images", body, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// SearchVideos runs the backend video search for a query in the context
// of the conversation.
func (c *Client) SearchVideos(ctx context.Context, query string, history []model.HistoryPair) ([]VideoResult, error) {
	body := map[string]any{"query": query, "chatHistory": history}
	var resp struct {
		Videos []VideoResult `json:"videos"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/videos", body, &resp); err != nil {
		return nil, err
	}
	return resp.Videos, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}
