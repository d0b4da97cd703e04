package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genchat/internal/auth"
	"genchat/internal/backend"
	apperrors "genchat/internal/errors"
	"genchat/internal/model"
)

func newTestClient(handler http.Handler) (*backend.Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := backend.NewClient(srv.URL, auth.StaticTokenSource("test-token"))
	return client, srv
}

func TestClient_GetModels(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"chatModelProviders": {"openai": {"gpt-4o-mini": {}}},
			"embeddingModelProviders": {"openai": {"text-embedding-3-small": {}}}
		}`))
	}))
	defer srv.Close()

	catalog, err := client.GetModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, catalog.ChatModelProviders, "openai")
	assert.Contains(t, catalog.ChatModelProviders["openai"], "gpt-4o-mini")
}

func TestClient_GetChat(t *testing.T) {
	t.Run("Success - metadata merged into message", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chats/chat1", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"chat": map[string]any{"id": "chat1", "focusMode": "webSearch"},
				"messages": []map[string]any{
					{"messageId": "m1", "chatId": "chat1", "role": "user", "content": "hi"},
					{
						"messageId": "m2", "chatId": "chat1", "role": "assistant", "content": "",
						"metadata": `{"type":"generated_image","b64Json":"AAAA","status":"completed"}`,
					},
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		}))
		defer srv.Close()

		full, err := client.GetChat(context.Background(), "chat1")
		require.NoError(t, err)
		require.Len(t, full.Messages, 2)
		assert.Equal(t, model.TypeText, full.Messages[0].Type)
		assert.Equal(t, model.TypeGeneratedImage, full.Messages[1].Type)
		assert.Equal(t, "AAAA", full.Messages[1].B64JSON)
		assert.Equal(t, model.StatusCompleted, full.Messages[1].Status)
		assert.Equal(t, "webSearch", full.Chat.FocusMode)
	})

	t.Run("Failure - 404 maps to ErrNotFound", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := client.GetChat(context.Background(), "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("Failure - other status is a generic error", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := client.GetChat(context.Background(), "chat1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestClient_GetSuggestions(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/suggestions", r.URL.Path)

		var body struct {
			ChatHistory []model.HistoryPair `json:"chatHistory"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.ChatHistory, 2)
		assert.Equal(t, "human", body.ChatHistory[0].Role)

		_, _ = w.Write([]byte(`{"suggestions": ["one", "two"]}`))
	}))
	defer srv.Close()

	history := []model.HistoryPair{
		{Role: "human", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	suggestions, err := client.GetSuggestions(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, suggestions)
}

func TestClient_ShareChat(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chats/share", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chat1", body["chatId"])
		_, _ = w.Write([]byte(`{"url": "https://share.example/chat1"}`))
	}))
	defer srv.Close()

	url, err := client.ShareChat(context.Background(), "chat1")
	require.NoError(t, err)
	assert.Equal(t, "https://share.example/chat1", url)
}
