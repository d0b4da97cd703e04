// End-to-end tests running the full gateway in process: real router,
// real SQLite preferences store, real generation clients, with only the
// upstream API faked.
package tests

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genchat/internal/api"
	"genchat/internal/chat"
	"genchat/internal/database"
	"genchat/internal/genclient"
	"genchat/internal/model"
	"genchat/internal/notify"
	"genchat/internal/prefs"
	"genchat/internal/socket"
	"genchat/internal/upstream"
)

type noopSocket struct{}

func (noopSocket) Send(any) error                  { return nil }
func (noopSocket) Subscribe(socket.Handler) func() { return func() {} }
func (noopSocket) Ready() bool                     { return true }

type noopBackend struct{}

func (noopBackend) GetChat(context.Context, string) (*model.FullChat, error) {
	return &model.FullChat{}, nil
}

func (noopBackend) GetSuggestions(context.Context, []model.HistoryPair) ([]string, error) {
	return nil, nil
}

// stack is everything a test needs: a generation client pointed at a
// real in-process gateway.
type stack struct {
	gen *genclient.Client
}

func newStack(t *testing.T, upstreamHandler http.Handler) *stack {
	t.Helper()

	upstreamServer := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstreamServer.Close)

	db, err := database.InitDB(filepath.Join(t.TempDir(), "genchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := upstream.NewClient(upstream.Options{
		APIKey:            "integration-key",
		BaseURL:           upstreamServer.URL,
		AudioDefaultModel: "stable-audio-open-1.0",
	})
	store := prefs.NewSQLiteStore(db)
	router := api.NewRouter(api.NewProxyHandler(client), api.NewPreferencesHandler(store))

	gateway := httptest.NewServer(router)
	t.Cleanup(gateway.Close)

	return &stack{gen: genclient.NewClient(gateway.URL)}
}

func TestImageGenerationEndToEnd(t *testing.T) {
	var received map[string]any
	s := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		require.Equal(t, "Bearer integration-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"aW1hZ2U="}]}`))
	}))

	ctrl := chat.New(noopSocket{}, noopBackend{}, s.gen, notify.Log{}, "")
	require.NoError(t, ctrl.GenerateImage(context.Background(), genclient.ImageParams{Prompt: "a lighthouse"}, "a lighthouse"))

	// Defaults applied by the client survive the round trip.
	assert.Equal(t, float64(1), received["n"])
	assert.Equal(t, "512x512", received["size"])
	assert.Equal(t, "b64_json", received["response_format"])

	messages := ctrl.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, model.TypeGeneratedImage, messages[1].Type)
	assert.Equal(t, "aW1hZ2U=", messages[1].B64JSON)
	assert.False(t, ctrl.Busy())
}

func TestChatCompletionEndToEnd(t *testing.T) {
	s := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"Streaming"}}]}`,
			`{"choices":[{"delta":{"content":" works."}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		} {
			_, _ = io.WriteString(w, "data: "+chunk+"\n\n")
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))

	ctrl := chat.New(noopSocket{}, noopBackend{}, s.gen, notify.Log{}, "")
	require.NoError(t, ctrl.AIChat(context.Background(), "does streaming work", chat.DefaultAIChatParams()))

	messages := ctrl.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Streaming works.", messages[1].Content)
	assert.Equal(t, model.StatusCompleted, messages[1].Status)
}

func TestVideoStreamedBodyEndToEnd(t *testing.T) {
	s := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"status\":\"processing\",\"id\":\"job-9\"}\n\ndata: {\"data\":[{\"b64_json\":\"dmlk\"}]}")
	}))

	result, err := s.gen.GenerateVideo(context.Background(), genclient.VideoParams{Prompt: "a storm"})
	require.NoError(t, err)
	assert.False(t, result.Processing())
	require.Len(t, result.Data, 1)
	assert.Equal(t, "dmlk", result.Data[0].B64JSON)
}

func TestPreferencesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genchat.db")

	db, err := database.InitDB(path)
	require.NoError(t, err)
	store := prefs.NewSQLiteStore(db)
	require.NoError(t, store.Set(context.Background(), prefs.KeyChatModel, "qwen-3"))
	require.NoError(t, db.Close())

	db, err = database.InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	value, err := prefs.NewSQLiteStore(db).Get(context.Background(), prefs.KeyChatModel)
	require.NoError(t, err)
	assert.Equal(t, "qwen-3", value)
}
