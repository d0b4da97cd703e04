// Package socket maintains the single bidirectional connection a chat
// view holds against the backend for the lifetime of the page.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"genchat/internal/auth"
	"genchat/internal/backend"
	"genchat/internal/notify"
	"genchat/internal/prefs"
)

const (
	// handshakeTimeout bounds the initial dial; failing to open within
	// it is terminal for the page lifetime.
	handshakeTimeout = 10 * time.Second

	// heartbeatInterval is how often a ping message is sent once the
	// connection is open.
	heartbeatInterval = 30 * time.Second

	// pongGrace is how long after a ping the matching pong may take
	// before the connection is forcibly closed.
	pongGrace = heartbeatInterval - 7*time.Second
)

// Event is one inbound message from the backend stream.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// Handler consumes inbound events. Handlers run on the session's single
// read goroutine, so events arrive in connection order.
type Handler func(Event)

// CatalogFetcher is the slice of the backend client the session needs
// for model resolution.
type CatalogFetcher interface {
	GetModels(ctx context.Context) (*backend.Catalog, error)
}

// Config carries the dependencies for establishing a session.
type Config struct {
	URL      string
	Prefs    prefs.Store
	Catalog  CatalogFetcher
	Tokens   auth.TokenSource
	Notifier notify.Notifier
}

// Session is a live connection. There is no automatic reconnect: once a
// session errors or closes, callers must construct a new one.
type Session struct {
	conn     *websocket.Conn
	notifier notify.Notifier

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers []subscription
	nextID   int
	ready    bool
	failed   bool

	pong chan struct{}
	done chan struct{}
}

type subscription struct {
	id int
	fn Handler
}

// Dial resolves the model selection, opens the websocket connection, and
// starts the read loop and heartbeat. A nil error means the session is
// ready for traffic.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Log{}
	}

	sel, err := ResolveSelection(ctx, cfg.Prefs, cfg.Catalog)
	if err != nil {
		notifier.Error(err.Error())
		return nil, err
	}

	wsURL, err := buildURL(cfg.URL, sel, cfg.Tokens)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		notifier.Error("WebSocket connection failed.")
		return nil, fmt.Errorf("could not open websocket: %w", err)
	}

	s := &Session{
		conn:     conn,
		notifier: notifier,
		ready:    true,
		pong:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.heartbeat()
	return s, nil
}

func buildURL(base string, sel *Selection, tokens auth.TokenSource) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("chatModel", sel.ChatModel)
	q.Set("chatModelProvider", sel.ChatModelProvider)
	q.Set("embeddingModel", sel.EmbeddingModel)
	q.Set("embeddingModelProvider", sel.EmbeddingModelProvider)
	if tokens != nil {
		q.Set("token", tokens.Token())
	}
	if sel.ChatModelProvider == ProviderCustomOpenAI {
		q.Set("openAIApiKey", sel.OpenAIAPIKey)
		q.Set("openAIBaseURL", sel.OpenAIBaseURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Ready reports whether the connection is open and usable.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.failed
}

// Failed reports whether the connection terminated abnormally. A failed
// session is terminal; callers should show a connection-error state.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Done is closed once the session terminates for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send writes one JSON message to the backend.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Subscribe registers a handler for inbound events and returns a
// function that removes it. Controllers register transient handlers for
// the duration of one send-text exchange.
func (s *Session) Subscribe(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, subscription{id: id, fn: h})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.handlers {
			if sub.id == id {
				s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	s.finish(false)
	return s.conn.Close()
}

func (s *Session) finish(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready && s.failed {
		return
	}
	s.ready = false
	if failed {
		s.failed = true
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed deliberately.
			default:
				slog.Warn("websocket read failed", "error", err)
				s.notifier.Error("WebSocket error.")
				s.finish(true)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("dropping malformed websocket message", "error", err)
			continue
		}

		switch ev.Type {
		case "pong":
			select {
			case s.pong <- struct{}{}:
			default:
			}
		case "error":
			var msg string
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				msg = string(ev.Data)
			}
			s.notifier.Error(msg)
			s.dispatch(ev)
		default:
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	subs := make([]subscription, len(s.handlers))
	copy(subs, s.handlers)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}

// heartbeat sends a ping every heartbeatInterval and forces the
// connection closed if the matching pong does not arrive within
// pongGrace. That close is the only automatic abort mechanism.
func (s *Session) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.done:
			return
		}

		if err := s.Send(map[string]string{"type": "ping"}); err != nil {
			return
		}

		grace := time.NewTimer(pongGrace)
		select {
		case <-s.pong:
			grace.Stop()
		case <-grace.C:
			slog.Warn("heartbeat pong missed, closing connection")
			s.finish(true)
			_ = s.conn.Close()
			return
		case <-s.done:
			grace.Stop()
			return
		}
	}
}
