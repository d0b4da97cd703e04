package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genchat/internal/prefs"
	"genchat/internal/upstream"
)

type capturedRequest struct {
	path   string
	header http.Header
	body   []byte
}

// fakeUpstream records every request and plays back a scripted response
// per path.
type fakeUpstream struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses map[string]func(w http.ResponseWriter)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{responses: make(map[string]func(w http.ResponseWriter))}
}

func (f *fakeUpstream) respond(path string, fn func(w http.ResponseWriter)) {
	f.responses[path] = fn
}

func (f *fakeUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, capturedRequest{path: r.URL.Path, header: r.Header.Clone(), body: body})
		f.mu.Unlock()

		if fn, ok := f.responses[r.URL.Path]; ok {
			fn(w)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
}

func (f *fakeUpstream) last(t *testing.T) capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memoryStore) GetAll(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func setupGateway(t *testing.T, fake *fakeUpstream) (http.Handler, *memoryStore) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := upstream.NewClient(upstream.Options{
		APIKey:            "test-key",
		BaseURL:           server.URL,
		AudioDefaultModel: "stable-audio-open-1.0",
	})
	store := newMemoryStore()
	router := NewRouter(NewProxyHandler(client), NewPreferencesHandler(store))
	return router, store
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestImageProxy(t *testing.T) {
	t.Run("forwards body and injects bearer key", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/images/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[{"b64_json":"aW1n"}]}`))
		})
		handler, _ := setupGateway(t, fake)

		body := `{"prompt":"a cat","n":1,"size":"512x512"}`
		rec := postJSON(t, handler, "/api/image-proxy", body)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":[{"b64_json":"aW1n"}]}`, rec.Body.String())

		sent := fake.last(t)
		assert.Equal(t, "Bearer test-key", sent.header.Get("Authorization"))
		assert.JSONEq(t, body, string(sent.body))
	})

	t.Run("relays upstream error status", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/images/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/image-proxy", `{"prompt":"a cat"}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "rate limited", resp.Error)
	})

	t.Run("missing prompt is rejected", func(t *testing.T) {
		fake := newFakeUpstream()
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/image-proxy", `{"n":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, fake.requests)
	})

	t.Run("missing server credentials", func(t *testing.T) {
		client := upstream.NewClient(upstream.Options{BaseURL: "http://localhost:1"})
		router := NewRouter(NewProxyHandler(client), NewPreferencesHandler(newMemoryStore()))

		rec := postJSON(t, router, "/api/image-proxy", `{"prompt":"a cat"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "not configured")
	})
}

func TestAudioProxy(t *testing.T) {
	t.Run("merges defaults into forwarded body", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/audio/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[{"b64_json":"YXVkaW8="}]}`))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/audio-proxy", `{"prompt":"rain on a roof"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var forwarded struct {
			Prompt          string `json:"prompt"`
			NegativePrompt  string `json:"negative_prompt"`
			DurationSeconds int    `json:"duration_seconds"`
			Seed            int    `json:"seed"`
			Model           string `json:"model"`
		}
		require.NoError(t, json.Unmarshal(fake.last(t).body, &forwarded))
		assert.Equal(t, "rain on a roof", forwarded.Prompt)
		assert.Equal(t, "Low quality.", forwarded.NegativePrompt)
		assert.Equal(t, 10, forwarded.DurationSeconds)
		assert.Equal(t, 0, forwarded.Seed)
		assert.Equal(t, "stable-audio-open-1.0", forwarded.Model)
	})

	t.Run("caller values win over defaults", func(t *testing.T) {
		fake := newFakeUpstream()
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/audio-proxy",
			`{"prompt":"thunder","negative_prompt":"Muffled.","duration_seconds":30,"model":"custom-audio"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var forwarded map[string]any
		require.NoError(t, json.Unmarshal(fake.last(t).body, &forwarded))
		assert.Equal(t, "Muffled.", forwarded["negative_prompt"])
		assert.Equal(t, float64(30), forwarded["duration_seconds"])
		assert.Equal(t, "custom-audio", forwarded["model"])
	})
}

func TestVideoProxy(t *testing.T) {
	t.Run("last data segment wins", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/videos/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("data: {\"a\":1}\n\ndata: {\"a\":2}"))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/video-proxy", `{"prompt":"waves"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"a":2}`, rec.Body.String())
	})

	t.Run("plain JSON body passes through", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/videos/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"processing","id":"job-1"}`))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/video-proxy", `{"prompt":"waves"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"processing","id":"job-1"}`, rec.Body.String())
	})

	t.Run("OK status with unparsable body is a bad gateway", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/videos/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("data: not json at all"))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/video-proxy", `{"prompt":"waves"}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("upstream error is relayed with extracted message", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/videos/generations", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"detail":"no capacity"}`))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/video-proxy", `{"prompt":"waves"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "no capacity")
	})
}

func TestChatCompletionProxy(t *testing.T) {
	t.Run("forces streaming and relays SSE bytes", func(t *testing.T) {
		fake := newFakeUpstream()
		stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
		fake.respond("/chat/completions", func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(stream))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/chat-completion-proxy",
			`{"model":"qwen-3","messages":[{"role":"user","content":"hello"}]}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, stream, rec.Body.String())

		var forwarded map[string]any
		require.NoError(t, json.Unmarshal(fake.last(t).body, &forwarded))
		assert.Equal(t, true, forwarded["stream"])
	})

	t.Run("stream flag cannot be disabled by the caller", func(t *testing.T) {
		fake := newFakeUpstream()
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/chat-completion-proxy", `{"model":"qwen-3","stream":false,"messages":[]}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var forwarded map[string]any
		require.NoError(t, json.Unmarshal(fake.last(t).body, &forwarded))
		assert.Equal(t, true, forwarded["stream"])
	})

	t.Run("upstream rejection is relayed before streaming starts", func(t *testing.T) {
		fake := newFakeUpstream()
		fake.respond("/chat/completions", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
		})
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/chat-completion-proxy", `{"model":"qwen-3","messages":[]}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "invalid api key")
	})

	t.Run("invalid JSON body is rejected locally", func(t *testing.T) {
		fake := newFakeUpstream()
		handler, _ := setupGateway(t, fake)

		rec := postJSON(t, handler, "/api/chat-completion-proxy", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, fake.requests)
	})
}

func TestPreferences(t *testing.T) {
	t.Run("set then list", func(t *testing.T) {
		handler, _ := setupGateway(t, newFakeUpstream())

		rec := postJSON(t, handler, "/api/preferences", `{"key":"chatModel","value":"qwen-3"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/preferences", nil)
		listRec := httptest.NewRecorder()
		handler.ServeHTTP(listRec, req)

		assert.Equal(t, http.StatusOK, listRec.Code)
		var all map[string]string
		require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &all))
		assert.Equal(t, "qwen-3", all[prefs.KeyChatModel])
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		handler, _ := setupGateway(t, newFakeUpstream())

		rec := postJSON(t, handler, "/api/preferences", `{"value":"qwen-3"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure is a generic 500", func(t *testing.T) {
		handler := NewRouter(NewProxyHandler(upstream.NewClient(upstream.Options{})), NewPreferencesHandler(failingStore{}))

		rec := postJSON(t, handler, "/api/preferences", `{"key":"chatModel","value":"qwen-3"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"An unexpected internal server error occurred."}`, rec.Body.String())

		req := httptest.NewRequest(http.MethodGet, "/api/preferences", nil)
		listRec := httptest.NewRecorder()
		handler.ServeHTTP(listRec, req)
		assert.Equal(t, http.StatusInternalServerError, listRec.Code)
		assert.NotContains(t, listRec.Body.String(), "disk corrupt")
	})
}

// failingStore simulates a broken preferences database.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, error) {
	return "", errors.New("disk corrupt")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("disk corrupt") }
func (failingStore) GetAll(context.Context) (map[string]string, error) {
	return nil, errors.New("disk corrupt")
}

func TestHealthz(t *testing.T) {
	handler, _ := setupGateway(t, newFakeUpstream())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
