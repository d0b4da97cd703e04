// Package chat implements the orchestration controller: the single
// owner of the message list and chat-history pair list, and the only
// component permitted to mutate them.
package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "genchat/internal/errors"
	"genchat/internal/genclient"
	"genchat/internal/model"
	"genchat/internal/notify"
	"genchat/internal/socket"
)

// Socket is the slice of the session the controller drives.
type Socket interface {
	Send(v any) error
	Subscribe(h socket.Handler) func()
	Ready() bool
}

// Backend is the slice of the backend client the controller needs.
type Backend interface {
	GetChat(ctx context.Context, chatID string) (*model.FullChat, error)
	GetSuggestions(ctx context.Context, history []model.HistoryPair) ([]string, error)
}

// Generator is the slice of the generation client the controller needs.
type Generator interface {
	GenerateImage(ctx context.Context, params genclient.ImageParams) (*genclient.GenerationResponse, error)
	GenerateAudio(ctx context.Context, params genclient.AudioParams) (*genclient.GenerationResponse, error)
	GenerateVideo(ctx context.Context, params genclient.VideoParams) (*genclient.VideoResponse, error)
	StreamChatCompletion(ctx context.Context, params genclient.ChatParams) (io.ReadCloser, error)
}

// GenKind names the generation flow occupying the busy gate.
type GenKind string

const (
	KindImage  GenKind = "image"
	KindAudio  GenKind = "audio"
	KindVideo  GenKind = "video"
	KindAIChat GenKind = "ai_chat"
)

// phase is the controller's busy gate. It is a state enum rather than
// independent booleans so impossible combinations cannot be expressed.
type phase int

const (
	phaseIdle phase = iota
	phaseSending
	phaseGenerating
)

// AIChatParams configure the direct chat-completion path.
type AIChatParams struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// DefaultAIChatParams is the fixed parameter set used for rewrites and
// deep-linked initial queries.
func DefaultAIChatParams() AIChatParams {
	return AIChatParams{Model: "qwen-3", Temperature: 0.7, TopP: 1, MaxTokens: 1000}
}

// Controller owns one chat session's view state.
type Controller struct {
	socket   Socket
	backend  Backend
	gen      Generator
	notifier notify.Notifier

	mu        sync.Mutex
	chatID    string
	focusMode string
	messages  []model.Message
	history   []model.HistoryPair
	loaded    bool
	closed    bool

	phase   phase
	genKind GenKind
}

// New creates a controller for an existing chat (load it with
// LoadMessages) or, when chatID is empty, for a fresh conversation with
// a newly minted id that is ready immediately.
func New(sock Socket, backend Backend, gen Generator, notifier notify.Notifier, chatID string) *Controller {
	if notifier == nil {
		notifier = notify.Log{}
	}
	c := &Controller{
		socket:    sock,
		backend:   backend,
		gen:       gen,
		notifier:  notifier,
		chatID:    chatID,
		focusMode: "webSearch",
	}
	if chatID == "" {
		c.chatID = uuid.NewString()
		c.loaded = true
	}
	return c
}

// LoadMessages fetches the persisted history for an existing chat.
// Returns apperrors.ErrNotFound when the backend does not know the id.
func (c *Controller) LoadMessages(ctx context.Context) error {
	c.mu.Lock()
	chatID := c.chatID
	c.mu.Unlock()

	full, err := c.backend.GetChat(ctx, chatID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			c.notifier.Error("Failed to load messages.")
		}
		return err
	}

	history := make([]model.HistoryPair, 0, len(full.Messages))
	for _, msg := range full.Messages {
		if msg.IsText() {
			history = append(history, model.HistoryPair{Role: string(msg.Role), Content: msg.Content})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = full.Messages
	c.history = history
	if full.Chat.FocusMode != "" {
		c.focusMode = full.Chat.FocusMode
	}
	c.loaded = true
	return nil
}

// Ready reports whether the session accepts interaction: messages are
// loaded and the socket is open.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded && c.socket.Ready()
}

// ChatID returns the conversation id this controller owns.
func (c *Controller) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// FocusMode returns the current search focus mode.
func (c *Controller) FocusMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focusMode
}

// SetFocusMode changes the focus mode sent with subsequent messages.
func (c *Controller) SetFocusMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusMode = mode
}

// Busy reports whether a send or generation is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != phaseIdle
}

// Messages returns a read-only snapshot of the message list.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// History returns a read-only snapshot of the history pair list.
func (c *Controller) History() []model.HistoryPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.HistoryPair, len(c.history))
	copy(out, c.history)
	return out
}

// Close marks the controller dead. Late-arriving results are dropped
// instead of being applied to a torn-down view.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// outboundMessage is the socket envelope for a user text turn.
type outboundMessage struct {
	Type    string `json:"type"`
	Message struct {
		ChatID  string `json:"chatId"`
		Content string `json:"content"`
	} `json:"message"`
	FocusMode string              `json:"focusMode"`
	History   []model.HistoryPair `json:"history"`
}

// SendText dispatches a user text message over the socket and streams
// the assistant's answer into the message list.
func (c *Controller) SendText(content string) error {
	if strings.TrimSpace(content) == "" {
		c.notifier.Error("Please enter a message.")
		return apperrors.ErrValidation
	}
	if err := c.begin(phaseSending, ""); err != nil {
		return err
	}

	c.mu.Lock()
	chatID := c.chatID
	c.appendLocked(model.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: time.Now(),
		Role:      model.RoleUser,
		Type:      model.TypeText,
		Content:   content,
	})
	out := outboundMessage{Type: "message", FocusMode: c.focusMode}
	out.Message.ChatID = chatID
	out.Message.Content = content
	out.History = append(append([]model.HistoryPair{}, c.history...), model.HistoryPair{Role: "human", Content: content})
	c.mu.Unlock()

	// The transient handler lives for exactly one exchange. It runs on
	// the session's read goroutine, so events apply in arrival order.
	var (
		added     bool
		received  strings.Builder
		sources   []model.Source
		unsubOnce sync.Once
		unsub     func()
	)
	done := func() {
		unsubOnce.Do(func() {
			if unsub != nil {
				unsub()
			}
		})
	}

	unsub = c.socket.Subscribe(func(ev socket.Event) {
		switch ev.Type {
		case "sources":
			if err := json.Unmarshal(ev.Data, &sources); err != nil {
				slog.Warn("could not decode sources event", "error", err)
				return
			}
			if !added {
				c.appendAssistant(ev.MessageID, chatID, sources)
				added = true
			}

		case "message":
			var token string
			if err := json.Unmarshal(ev.Data, &token); err != nil {
				slog.Warn("could not decode token event", "error", err)
				return
			}
			if !added {
				c.appendAssistant(ev.MessageID, chatID, sources)
				added = true
			}
			received.WriteString(token)
			c.update(ev.MessageID, func(m *model.Message) {
				m.Content += token
			})

		case "messageEnd":
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				done()
				return
			}
			c.history = append(c.history,
				model.HistoryPair{Role: "human", Content: content},
				model.HistoryPair{Role: "assistant", Content: received.String()},
			)
			var last *model.Message
			if len(c.messages) > 0 {
				last = &c.messages[len(c.messages)-1]
			}
			needSuggestions := last != nil && last.Role == model.RoleAssistant &&
				len(last.Sources) > 0 && len(last.Suggestions) == 0
			lastID := ""
			if last != nil {
				lastID = last.MessageID
			}
			pairs := make([]model.HistoryPair, len(c.history))
			copy(pairs, c.history)
			c.mu.Unlock()

			done()
			c.end()

			if needSuggestions {
				c.fetchSuggestions(lastID, pairs)
			}

		case "error":
			// Partial assistant content already rendered stays as-is.
			done()
			c.end()
		}
	})

	if err := c.socket.Send(out); err != nil {
		done()
		c.end()
		c.notifier.Error("Failed to send message.")
		return fmt.Errorf("could not send message: %w", err)
	}
	return nil
}

func (c *Controller) fetchSuggestions(messageID string, pairs []model.HistoryPair) {
	suggestions, err := c.backend.GetSuggestions(context.Background(), pairs)
	if err != nil {
		slog.Warn("could not fetch suggestions", "error", err)
		return
	}
	c.update(messageID, func(m *model.Message) {
		m.Suggestions = suggestions
	})
}

// GenerateImage runs the image generation flow.
func (c *Controller) GenerateImage(ctx context.Context, params genclient.ImageParams, promptText string) error {
	if strings.TrimSpace(promptText) == "" {
		c.notifier.Error("Please enter a prompt.")
		return apperrors.ErrValidation
	}
	if err := c.begin(phaseGenerating, KindImage); err != nil {
		return err
	}

	promptID := c.appendPrompt(model.TypeImagePrompt,
		fmt.Sprintf("Generating image for: %q", promptText),
		func(m *model.Message) { m.ImagePromptText = promptText })

	result, err := c.gen.GenerateImage(ctx, params)
	if err == nil && (len(result.Data) == 0 || result.Data[0].B64JSON == "") {
		err = fmt.Errorf("%s", orDefault(resultError(result), "No image data returned from API."))
	}
	if err != nil {
		c.failPrompt(promptID, fmt.Sprintf("Failed image prompt: %q. Error: %v", promptText, err))
		c.notifier.Error(fmt.Sprintf("Image generation failed: %v", err))
		c.end()
		return err
	}

	c.update(promptID, func(m *model.Message) {
		m.Status = model.StatusCompleted
		m.Content = fmt.Sprintf("Image prompt: %q", promptText)
	})
	c.append(model.Message{
		MessageID:       uuid.NewString(),
		ChatID:          c.ChatID(),
		CreatedAt:       time.Now(),
		Role:            model.RoleAssistant,
		Type:            model.TypeGeneratedImage,
		B64JSON:         result.Data[0].B64JSON,
		ImagePromptText: promptText,
	})
	c.notifier.Success("Image generated!")
	c.end()
	return nil
}

// GenerateAudio runs the audio generation flow.
func (c *Controller) GenerateAudio(ctx context.Context, params genclient.AudioParams, promptText string) error {
	if strings.TrimSpace(promptText) == "" {
		c.notifier.Error("Please enter a prompt.")
		return apperrors.ErrValidation
	}
	if err := c.begin(phaseGenerating, KindAudio); err != nil {
		return err
	}

	promptID := c.appendPrompt(model.TypeAudioPrompt,
		fmt.Sprintf("Generating audio for: %q", promptText),
		func(m *model.Message) { m.AudioPromptText = promptText })

	result, err := c.gen.GenerateAudio(ctx, params)
	if err == nil && (len(result.Data) == 0 || result.Data[0].B64JSON == "") {
		err = fmt.Errorf("%s", orDefault(resultError(result), "No audio data returned from API."))
	}
	if err != nil {
		c.failPrompt(promptID, fmt.Sprintf("Failed audio prompt: %q. Error: %v", promptText, err))
		c.notifier.Error(fmt.Sprintf("Audio generation failed: %v", err))
		c.end()
		return err
	}

	c.update(promptID, func(m *model.Message) {
		m.Status = model.StatusCompleted
		m.Content = fmt.Sprintf("Audio prompt: %q", promptText)
	})
	c.append(model.Message{
		MessageID:       uuid.NewString(),
		ChatID:          c.ChatID(),
		CreatedAt:       time.Now(),
		Role:            model.RoleAssistant,
		Type:            model.TypeGeneratedAudio,
		B64JSONAudio:    result.Data[0].B64JSON,
		AudioPromptText: promptText,
	})
	c.notifier.Success("Audio generated!")
	c.end()
	return nil
}

// GenerateVideo runs the video generation flow. A "processing" response
// leaves the prompt message loading and keeps the busy gate held: no
// completion push or poll exists for the job, so the session stays busy
// until torn down.
func (c *Controller) GenerateVideo(ctx context.Context, params genclient.VideoParams, promptText string) error {
	if strings.TrimSpace(promptText) == "" {
		c.notifier.Error("Please enter a prompt.")
		return apperrors.ErrValidation
	}
	if err := c.begin(phaseGenerating, KindVideo); err != nil {
		return err
	}

	promptID := c.appendPrompt(model.TypeVideoPrompt,
		fmt.Sprintf("Generating video for: %q", promptText),
		func(m *model.Message) { m.VideoPromptText = promptText })

	result, err := c.gen.GenerateVideo(ctx, params)
	if err == nil && result.Processing() {
		c.update(promptID, func(m *model.Message) {
			m.Status = model.StatusLoading
			m.Content = fmt.Sprintf("Processing video for: %q", promptText)
		})
		c.notifier.Info("Video is processing...")
		slog.Warn("video job left in processing state", "job_id", result.ID)
		return nil
	}

	if err == nil {
		switch {
		case len(result.Data) > 0 && result.Data[0].B64JSON != "":
			// Payload present; fall through to success below.
		case result.Status != "":
			err = fmt.Errorf("%s", orDefault(result.Error, result.Status))
		default:
			err = fmt.Errorf("unknown error: no video data or status returned")
		}
	}
	if err != nil {
		c.failPrompt(promptID, fmt.Sprintf("Failed video prompt: %q. Error: %v", promptText, err))
		c.notifier.Error(fmt.Sprintf("Video generation failed: %v", err))
		c.end()
		return err
	}

	c.update(promptID, func(m *model.Message) {
		m.Status = model.StatusCompleted
		m.Content = fmt.Sprintf("Video prompt: %q", promptText)
	})
	c.append(model.Message{
		MessageID:       uuid.NewString(),
		ChatID:          c.ChatID(),
		CreatedAt:       time.Now(),
		Role:            model.RoleAssistant,
		Type:            model.TypeGeneratedVideo,
		B64JSONVideo:    result.Data[0].B64JSON,
		VideoPromptText: promptText,
	})
	c.notifier.Success("Video generated!")
	c.end()
	return nil
}

// streamChunk is one decoded delta of the chat-completion stream.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// AIChat runs the direct chat-completion flow: the non-socket path used
// for the default free-text mode, rewrites, and deep-linked queries.
func (c *Controller) AIChat(ctx context.Context, prompt string, params AIChatParams) error {
	if strings.TrimSpace(prompt) == "" {
		c.notifier.Error("Please enter a message.")
		return apperrors.ErrValidation
	}
	if err := c.begin(phaseGenerating, KindAIChat); err != nil {
		return err
	}

	c.mu.Lock()
	chatID := c.chatID
	apiMessages := make([]genclient.ChatMessage, 0, len(c.messages)+1)
	for _, m := range c.messages {
		if m.IsText() && (m.Role == model.RoleUser || m.Role == model.RoleAssistant) {
			apiMessages = append(apiMessages, genclient.ChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	apiMessages = append(apiMessages, genclient.ChatMessage{Role: "user", Content: prompt})

	assistantID := uuid.NewString()
	c.appendLocked(model.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: time.Now(),
		Role:      model.RoleUser,
		Type:      model.TypeText,
		Content:   prompt,
	})
	c.appendLocked(model.Message{
		MessageID: assistantID,
		ChatID:    chatID,
		CreatedAt: time.Now(),
		Role:      model.RoleAssistant,
		Type:      model.TypeText,
		Status:    model.StatusStreaming,
	})
	c.mu.Unlock()

	stream, err := c.gen.StreamChatCompletion(ctx, genclient.ChatParams{
		Model:       params.Model,
		Messages:    apiMessages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		c.failStream(assistantID, err)
		c.end()
		return err
	}
	defer stream.Close()

	accumulated, err := c.consumeStream(stream, assistantID)
	if err != nil {
		c.failStream(assistantID, err)
		c.end()
		return err
	}

	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].MessageID == assistantID {
			c.messages[i].Status = model.StatusCompleted
		}
	}
	c.history = append(c.history,
		model.HistoryPair{Role: "user", Content: prompt},
		model.HistoryPair{Role: "assistant", Content: accumulated},
	)
	c.mu.Unlock()

	c.end()
	return nil
}

// consumeStream decodes the event stream line by line, applying deltas
// to the assistant message strictly in receipt order.
func (c *Controller) consumeStream(stream io.Reader, assistantID string) (string, error) {
	var accumulated strings.Builder

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("failed to parse stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			accumulated.WriteString(content)
			snapshot := accumulated.String()
			c.update(assistantID, func(m *model.Message) {
				m.Content = snapshot
				m.Status = model.StatusStreaming
			})
		}
		if chunk.Choices[0].FinishReason == "stop" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return accumulated.String(), fmt.Errorf("stream read failed: %w", err)
	}
	return accumulated.String(), nil
}

// Rewrite regenerates the answer for the user turn preceding the given
// assistant message. The tail of both lists is truncated together so
// the pair list stays in lock-step with the text-typed messages.
func (c *Controller) Rewrite(ctx context.Context, messageID string) error {
	c.mu.Lock()
	index := -1
	for i, m := range c.messages {
		if m.MessageID == messageID {
			index = i
			break
		}
	}
	if index <= 0 {
		c.mu.Unlock()
		return nil
	}
	prev := c.messages[index-1]
	if prev.Role != model.RoleUser || !prev.IsText() {
		c.mu.Unlock()
		return nil
	}

	textInTail := 0
	for i := index - 1; i < len(c.messages); i++ {
		if c.messages[i].IsText() {
			textInTail++
		}
	}
	c.messages = c.messages[:index-1]
	if textInTail > len(c.history) {
		textInTail = len(c.history)
	}
	c.history = c.history[:len(c.history)-textInTail]
	prompt := prev.Content
	c.mu.Unlock()

	return c.AIChat(ctx, prompt, DefaultAIChatParams())
}

// Edit replaces a message's content in place. It has no re-send side
// effect on its own.
func (c *Controller) Edit(messageID, newContent string) {
	c.update(messageID, func(m *model.Message) {
		m.Content = newContent
	})
}

func (c *Controller) begin(p phase, kind GenKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseIdle {
		c.notifier.Info("Another operation is in progress.")
		return apperrors.ErrBusy
	}
	c.phase = p
	c.genKind = kind
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phaseIdle
	c.genKind = ""
}

func (c *Controller) append(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(msg)
}

func (c *Controller) appendLocked(msg model.Message) {
	if c.closed {
		return
	}
	c.messages = append(c.messages, msg)
}

func (c *Controller) appendAssistant(messageID, chatID string, sources []model.Source) {
	c.append(model.Message{
		MessageID: messageID,
		ChatID:    chatID,
		CreatedAt: time.Now(),
		Role:      model.RoleAssistant,
		Type:      model.TypeText,
		Sources:   sources,
	})
}

func (c *Controller) appendPrompt(msgType model.MessageType, content string, set func(*model.Message)) string {
	msg := model.Message{
		MessageID: uuid.NewString(),
		ChatID:    c.ChatID(),
		CreatedAt: time.Now(),
		Role:      model.RoleUser,
		Type:      msgType,
		Content:   content,
		Status:    model.StatusLoading,
	}
	set(&msg)
	c.append(msg)
	return msg.MessageID
}

// update mutates a message located by identity. A no-op once the
// controller is closed, so late results never touch dead state.
func (c *Controller) update(messageID string, fn func(*model.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i := range c.messages {
		if c.messages[i].MessageID == messageID {
			fn(&c.messages[i])
			return
		}
	}
}

func (c *Controller) failPrompt(messageID, content string) {
	c.update(messageID, func(m *model.Message) {
		m.Status = model.StatusError
		m.Content = content
	})
}

func (c *Controller) failStream(assistantID string, err error) {
	c.update(assistantID, func(m *model.Message) {
		m.Status = model.StatusError
		m.Content = fmt.Sprintf("Error: %v", err)
	})
	c.notifier.Error(fmt.Sprintf("AI Chat failed: %v", err))
}

func resultError(r *genclient.GenerationResponse) string {
	if r == nil {
		return ""
	}
	return r.Error
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
