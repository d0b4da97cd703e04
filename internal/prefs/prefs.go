// Package prefs persists the client-side model selection, the role the
// browser's localStorage plays in the original front end.
package prefs

import "context"

// Well-known preference keys.
const (
	KeyChatModel              = "chatModel"
	KeyChatModelProvider      = "chatModelProvider"
	KeyEmbeddingModel         = "embeddingModel"
	KeyEmbeddingModelProvider = "embeddingModelProvider"
	KeyOpenAIAPIKey           = "openAIApiKey"
	KeyOpenAIBaseURL          = "openAIBaseURL"
)

// Store is the contract for preference persistence. Get returns an empty
// string, not an error, for a key that has never been set.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) (map[string]string, error)
}
