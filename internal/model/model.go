package model

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType is the tagged variant of a message. Plain text is the
// default; an empty Type must be treated as TypeText.
type MessageType string

const (
	TypeText           MessageType = "text"
	TypeImagePrompt    MessageType = "image_prompt"
	TypeGeneratedImage MessageType = "generated_image"
	TypeAudioPrompt    MessageType = "audio_prompt"
	TypeGeneratedAudio MessageType = "generated_audio"
	TypeVideoPrompt    MessageType = "video_prompt"
	TypeGeneratedVideo MessageType = "generated_video"
)

// MessageStatus governs whether action controls (copy/share/rewrite)
// render for a message and tracks in-flight generation work.
type MessageStatus string

const (
	StatusLoading   MessageStatus = "loading"
	StatusStreaming MessageStatus = "streaming"
	StatusCompleted MessageStatus = "completed"
	StatusError     MessageStatus = "error"
)

// Source is a citation document attached by the backend to a text answer.
type Source struct {
	PageContent string            `json:"pageContent"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message is a single unit of conversation history. Streaming assistant
// messages are mutated in place (append-only content) while their status
// is streaming.
type Message struct {
	MessageID string      `json:"messageId"`
	ChatID    string      `json:"chatId"`
	CreatedAt time.Time   `json:"createdAt"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type,omitempty"`
	Content   string      `json:"content"`

	Status      MessageStatus `json:"status,omitempty"`
	Sources     []Source      `json:"sources,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`

	// Media payloads, present only for prompt/generated message types.
	ImagePromptText string `json:"imagePromptText,omitempty"`
	AudioPromptText string `json:"audioPromptText,omitempty"`
	VideoPromptText string `json:"videoPromptText,omitempty"`
	B64JSON         string `json:"b64Json,omitempty"`
	B64JSONAudio    string `json:"b64JsonAudio,omitempty"`
	B64JSONVideo    string `json:"b64JsonVideo,omitempty"`
}

// IsText reports whether the message belongs to the text-only subset that
// is mirrored into the chat history pair list.
func (m *Message) IsText() bool {
	return m.Type == TypeText || m.Type == ""
}

// HistoryPair is one (role, text) tuple of the conversational context
// passed to the backend. The pair list must stay in lock-step with the
// text-typed subset of the message list.
type HistoryPair struct {
	Role    string
	Content string
}

// MarshalJSON encodes a pair as the two-element array the backend expects.
func (p HistoryPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Role, p.Content})
}

// UnmarshalJSON decodes the backend's two-element array form.
func (p *HistoryPair) UnmarshalJSON(data []byte) error {
	var tuple [2]string
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	p.Role, p.Content = tuple[0], tuple[1]
	return nil
}

// Chat stores metadata about a conversation held by the backend.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FocusMode string    `json:"focusMode"`
	CreatedAt time.Time `json:"createdAt"`
}

// FullChat includes the chat metadata and all its messages, as returned
// by the backend's GET /chats/{id}.
type FullChat struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}
