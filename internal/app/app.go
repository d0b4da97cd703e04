// Package app assembles the gateway server: configuration, logging,
// the preferences database, the upstream client and the HTTP router.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"genchat/internal/api"
	"genchat/internal/config"
	"genchat/internal/database"
	"genchat/internal/prefs"
	"genchat/internal/upstream"
)

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	logConfigSource()

	if cfg.UpstreamAPIKey == "" {
		slog.Warn("No upstream API key configured. Generation proxy routes will refuse requests.")
	}

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}()
	slog.Info("Successfully connected to SQLite database.")

	upstreamClient := upstream.NewClient(upstream.Options{
		APIKey:            cfg.UpstreamAPIKey,
		BaseURL:           cfg.UpstreamAPIURL,
		AudioBaseURL:      cfg.UpstreamAudioAPIURL,
		AudioDefaultModel: cfg.UpstreamAudioModel,
	})
	store := prefs.NewSQLiteStore(db)

	proxyHandler := api.NewProxyHandler(upstreamClient)
	preferencesHandler := api.NewPreferencesHandler(store)
	router := api.NewRouter(proxyHandler, preferencesHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for the streaming relay
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("Starting server", "port", cfg.AppPort)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		return 1
	}

	return 0
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
