package api

import (
	"net/http"
	"time"

	// This blank import is required by swaggo to find the API definitions.
	_ "genchat/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// NewRouter creates and configures the gateway's chi router.
func NewRouter(proxy *ProxyHandler, preferences *PreferencesHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Serves the auto-generated Swagger UI for API documentation.
	r.Get("/api/swagger/*", httpSwagger.WrapHandler)

	// Liveness probe for container orchestration.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		// JSON generation proxies get a generous timeout: upstream
		// generation can take a while but must not hang forever.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(120 * time.Second))

			r.Post("/image-proxy", proxy.HandleImageProxy)
			r.Post("/audio-proxy", proxy.HandleAudioProxy)
			r.Post("/video-proxy", proxy.HandleVideoProxy)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))

			r.Get("/preferences", preferences.HandleGetPreferences)
			r.Post("/preferences", preferences.HandleSetPreference)
		})

		// The chat completion relay holds the connection open for the
		// whole stream, so it must not carry a timeout.
		r.Group(func(r chi.Router) {
			r.Post("/chat-completion-proxy", proxy.HandleChatCompletionProxy)
		})
	})

	return r
}
