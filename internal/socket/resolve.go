package socket

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"genchat/internal/backend"
	"genchat/internal/prefs"
)

// ProviderCustomOpenAI is the provider variant that requires a
// client-supplied API key and base URL instead of server-side defaults.
const ProviderCustomOpenAI = "custom_openai"

var (
	// ErrNoChatModels is returned when the catalog advertises no chat
	// model providers at all.
	ErrNoChatModels = errors.New("no chat models available")

	// ErrNoEmbeddingModels is returned when the catalog advertises no
	// embedding model providers.
	ErrNoEmbeddingModels = errors.New("no embedding models available")

	// ErrCustomProviderUnconfigured is returned when the custom OpenAI
	// provider is selected but no API key and base URL have been saved.
	ErrCustomProviderUnconfigured = errors.New("custom OpenAI provider selected, please configure API key and base URL in settings")
)

// Selection is the resolved model configuration a connection is opened
// with. It is decided once per socket connection.
type Selection struct {
	ChatModel              string
	ChatModelProvider      string
	EmbeddingModel         string
	EmbeddingModelProvider string

	// Populated only when ChatModelProvider is the custom variant.
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// ResolveSelection combines locally persisted preferences with the
// server-advertised catalog. Missing or stale preferences fall back to
// the first available provider, and corrections are persisted.
//
// "First" is the lexicographically smallest key: the catalog arrives as
// a JSON object and Go does not preserve its member order, so sorting is
// the only deterministic reading of "first available".
func ResolveSelection(ctx context.Context, store prefs.Store, catalog CatalogFetcher) (*Selection, error) {
	saved, err := store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read preferences: %w", err)
	}

	sel := &Selection{
		ChatModel:              saved[prefs.KeyChatModel],
		ChatModelProvider:      saved[prefs.KeyChatModelProvider],
		EmbeddingModel:         saved[prefs.KeyEmbeddingModel],
		EmbeddingModelProvider: saved[prefs.KeyEmbeddingModelProvider],
	}

	providers, err := catalog.GetModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model providers: %w", err)
	}

	if sel.ChatModel == "" || sel.ChatModelProvider == "" {
		if err := pickFirstChat(sel, providers); err != nil {
			return nil, err
		}
	} else if _, ok := providers.ChatModelProviders[sel.ChatModelProvider]; !ok {
		// The persisted provider no longer exists; fall back and
		// persist the correction.
		if err := pickFirstChat(sel, providers); err != nil {
			return nil, err
		}
	}

	if sel.EmbeddingModel == "" || sel.EmbeddingModelProvider == "" {
		if err := pickFirstEmbedding(sel, providers); err != nil {
			return nil, err
		}
	} else if _, ok := providers.EmbeddingModelProviders[sel.EmbeddingModelProvider]; !ok {
		if err := pickFirstEmbedding(sel, providers); err != nil {
			return nil, err
		}
	}

	if sel.ChatModelProvider == ProviderCustomOpenAI {
		sel.OpenAIAPIKey = saved[prefs.KeyOpenAIAPIKey]
		sel.OpenAIBaseURL = saved[prefs.KeyOpenAIBaseURL]
		if sel.OpenAIAPIKey == "" || sel.OpenAIBaseURL == "" {
			return nil, ErrCustomProviderUnconfigured
		}
	}

	if err := persistSelection(ctx, store, sel); err != nil {
		return nil, err
	}
	return sel, nil
}

func pickFirstChat(sel *Selection, catalog *backend.Catalog) error {
	provider := firstKey(catalog.ChatModelProviders)
	if provider == "" {
		return ErrNoChatModels
	}
	if provider == ProviderCustomOpenAI {
		return ErrCustomProviderUnconfigured
	}
	model := firstKey(catalog.ChatModelProviders[provider])
	if model == "" {
		return ErrNoChatModels
	}
	sel.ChatModelProvider = provider
	sel.ChatModel = model
	return nil
}

func pickFirstEmbedding(sel *Selection, catalog *backend.Catalog) error {
	provider := firstKey(catalog.EmbeddingModelProviders)
	if provider == "" {
		return ErrNoEmbeddingModels
	}
	model := firstKey(catalog.EmbeddingModelProviders[provider])
	if model == "" {
		return ErrNoEmbeddingModels
	}
	sel.EmbeddingModelProvider = provider
	sel.EmbeddingModel = model
	return nil
}

func persistSelection(ctx context.Context, store prefs.Store, sel *Selection) error {
	pairs := map[string]string{
		prefs.KeyChatModel:              sel.ChatModel,
		prefs.KeyChatModelProvider:      sel.ChatModelProvider,
		prefs.KeyEmbeddingModel:         sel.EmbeddingModel,
		prefs.KeyEmbeddingModelProvider: sel.EmbeddingModelProvider,
	}
	for key, value := range pairs {
		if err := store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("could not persist preference %q: %w", key, err)
		}
	}
	return nil
}

func firstKey[V any](m map[string]V) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
