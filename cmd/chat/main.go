// Command chat is a terminal client for a GenChat deployment: it opens
// a streaming session against the backend and drives the generation
// proxies through the gateway.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"genchat/internal/auth"
	"genchat/internal/backend"
	"genchat/internal/chat"
	"genchat/internal/config"
	"genchat/internal/database"
	"genchat/internal/genclient"
	"genchat/internal/model"
	"genchat/internal/notify"
	"genchat/internal/prefs"
	"genchat/internal/socket"
)

// terminalNotifier prints transient notices to stderr so they never
// interleave with message output on stdout.
type terminalNotifier struct{}

var _ notify.Notifier = terminalNotifier{}

func (terminalNotifier) Info(msg string) { fmt.Fprintln(os.Stderr, "[info] "+msg) }

func (terminalNotifier) Success(msg string) { fmt.Fprintln(os.Stderr, "[ok] "+msg) }

func (terminalNotifier) Error(msg string) { fmt.Fprintln(os.Stderr, "[error] "+msg) }

type clientDeps struct {
	cfg     *config.Config
	store   prefs.Store
	backend *backend.Client
	gen     *genclient.Client
	tokens  auth.TokenSource
	cleanup func()
}

func buildDeps() (*clientDeps, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("could not load configuration: %w", err)
	}
	if v := viper.GetString("backend-url"); v != "" {
		cfg.BackendAPIURL = v
	}
	if v := viper.GetString("ws-url"); v != "" {
		cfg.BackendWSURL = v
	}
	if v := viper.GetString("proxy-url"); v != "" {
		cfg.ProxyBaseURL = v
	}
	if v := viper.GetString("db"); v != "" {
		cfg.DatabasePath = v
	}

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("could not open preferences database: %w", err)
	}

	tokens, backendClient, err := buildAuth(cfg.BackendAPIURL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &clientDeps{
		cfg:     cfg,
		store:   prefs.NewSQLiteStore(db),
		backend: backendClient,
		gen:     genclient.NewClient(cfg.ProxyBaseURL),
		tokens:  tokens,
		cleanup: func() { _ = db.Close() },
	}, nil
}

// buildAuth picks the token source: a token given as a flag or
// environment variable wins; otherwise the token cookie the backend
// sets on sign-in is read from a jar shared with the HTTP client.
func buildAuth(backendURL string) (auth.TokenSource, *backend.Client, error) {
	if token := viper.GetString("token"); token != "" {
		tokens := auth.StaticTokenSource(token)
		return tokens, backend.NewClient(backendURL, tokens), nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create cookie jar: %w", err)
	}
	origin, err := url.Parse(backendURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid backend URL %q: %w", backendURL, err)
	}
	tokens := &auth.CookieTokenSource{Jar: jar, URL: origin}
	return tokens, backend.NewClientWithJar(backendURL, tokens, jar), nil
}

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for a GenChat deployment.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), "")
	},
}

var openCmd = &cobra.Command{
	Use:   "open <chatID>",
	Short: "Reopen an existing conversation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.cleanup()

		chats, err := deps.backend.ListChats(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range chats {
			fmt.Printf("%s\t%s\n", c.ID, c.Title)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chatID>",
	Short: "Delete a conversation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.cleanup()
		return deps.backend.DeleteChat(cmd.Context(), args[0])
	},
}

var shareCmd = &cobra.Command{
	Use:   "share <chatID>",
	Short: "Create a share link for a conversation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.cleanup()

		url, err := deps.backend.ShareChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show the model catalog advertised by the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildDeps()
		if err != nil {
			return err
		}
		defer deps.cleanup()

		catalog, err := deps.backend.GetModels(cmd.Context())
		if err != nil {
			return err
		}
		for provider, models := range catalog.ChatModelProviders {
			for name := range models {
				fmt.Printf("chat\t%s\t%s\n", provider, name)
			}
		}
		for provider, models := range catalog.EmbeddingModelProviders {
			for name := range models {
				fmt.Printf("embedding\t%s\t%s\n", provider, name)
			}
		}
		return nil
	},
}

func runSession(ctx context.Context, chatID string) error {
	deps, err := buildDeps()
	if err != nil {
		return err
	}
	defer deps.cleanup()

	notifier := terminalNotifier{}
	session, err := socket.Dial(ctx, socket.Config{
		URL:      deps.cfg.BackendWSURL,
		Prefs:    deps.store,
		Catalog:  deps.backend,
		Tokens:   deps.tokens,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("could not open session: %w", err)
	}
	defer session.Close()

	ctrl := chat.New(session, deps.backend, deps.gen, notifier, chatID)
	if chatID != "" {
		if err := ctrl.LoadMessages(ctx); err != nil {
			return err
		}
		printTranscript(ctrl.Messages())
	}

	// A query given up front runs through the direct completion path
	// before the prompt loop starts, like following a shared ?q= link.
	if query := viper.GetString("query"); query != "" {
		if err := ctrl.AIChat(ctx, query, chat.DefaultAIChatParams()); err != nil {
			return err
		}
		printLatest(ctrl.Messages())
	}

	fmt.Fprintln(os.Stderr, "Connected. Type a message, or /help for commands.")
	return repl(ctx, deps, ctrl, session)
}

func repl(ctx context.Context, deps *clientDeps, ctrl *chat.Controller, session *socket.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		select {
		case <-session.Done():
			return fmt.Errorf("connection closed")
		default:
		}

		if err := dispatch(ctx, deps, ctrl, line); err != nil {
			fmt.Fprintln(os.Stderr, "[error] "+err.Error())
			continue
		}
		if line == "/quit" {
			return nil
		}
		waitIdle(ctrl)
		printLatest(ctrl.Messages())
	}
}

func dispatch(ctx context.Context, deps *clientDeps, ctrl *chat.Controller, line string) error {
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/help":
		fmt.Fprintln(os.Stderr, `Commands:
  /image <prompt>    generate an image
  /audio <prompt>    generate audio
  /video <prompt>    generate a video
  /ai <prompt>       direct chat completion (no web search)
  /rewrite <id>      regenerate an assistant answer
  /edit <id> <text>  replace a message's content in place
  /images <query>    search the web for images
  /videos <query>    search the web for videos
  /focus <mode>      change the search focus mode
  /quit              exit`)
		return nil
	case "/quit":
		return nil
	case "/image":
		return ctrl.GenerateImage(ctx, genclient.ImageParams{Prompt: rest}, rest)
	case "/audio":
		return ctrl.GenerateAudio(ctx, genclient.AudioParams{Prompt: rest}, rest)
	case "/video":
		return ctrl.GenerateVideo(ctx, genclient.VideoParams{Prompt: rest}, rest)
	case "/ai":
		return ctrl.AIChat(ctx, rest, chat.DefaultAIChatParams())
	case "/rewrite":
		return ctrl.Rewrite(ctx, rest)
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || strings.TrimSpace(text) == "" {
			return fmt.Errorf("usage: /edit <id> <text>")
		}
		ctrl.Edit(id, strings.TrimSpace(text))
		return nil
	case "/images":
		results, err := deps.backend.SearchImages(ctx, rest, ctrl.History())
		if err != nil {
			return err
		}
		for _, hit := range results {
			fmt.Printf("%s\t%s\n", hit.ImgSrc, hit.Title)
		}
		return nil
	case "/videos":
		results, err := deps.backend.SearchVideos(ctx, rest, ctrl.History())
		if err != nil {
			return err
		}
		for _, hit := range results {
			fmt.Printf("%s\t%s\n", hit.URL, hit.Title)
		}
		return nil
	case "/focus":
		ctrl.SetFocusMode(rest)
		return nil
	default:
		return ctrl.SendText(line)
	}
}

// waitIdle blocks until the in-flight operation releases the busy gate.
// A stuck video job never releases it; the poll gives up after a while
// and leaves the session busy, matching the job's actual state.
func waitIdle(ctrl *chat.Controller) {
	deadline := time.Now().Add(5 * time.Minute)
	for ctrl.Busy() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

func printTranscript(messages []model.Message) {
	for _, msg := range messages {
		printMessage(msg)
	}
}

func printLatest(messages []model.Message) {
	if len(messages) == 0 {
		return
	}
	printMessage(messages[len(messages)-1])
}

func printMessage(msg model.Message) {
	switch msg.Type {
	case model.TypeGeneratedImage:
		fmt.Printf("[%s] <image, %d bytes> (%s)\n", msg.Role, base64.StdEncoding.DecodedLen(len(msg.B64JSON)), msg.MessageID)
	case model.TypeGeneratedAudio:
		fmt.Printf("[%s] <audio, %d bytes> (%s)\n", msg.Role, base64.StdEncoding.DecodedLen(len(msg.B64JSONAudio)), msg.MessageID)
	case model.TypeGeneratedVideo:
		fmt.Printf("[%s] <video, %d bytes> (%s)\n", msg.Role, base64.StdEncoding.DecodedLen(len(msg.B64JSONVideo)), msg.MessageID)
	default:
		fmt.Printf("[%s] %s (%s)\n", msg.Role, msg.Content, msg.MessageID)
	}
	for i, suggestion := range msg.Suggestions {
		fmt.Printf("    suggestion %d: %s\n", i+1, suggestion)
	}
}

func init() {
	rootCmd.PersistentFlags().String("backend-url", "", "base URL of the backend chat/search API")
	rootCmd.PersistentFlags().String("ws-url", "", "websocket URL of the backend stream")
	rootCmd.PersistentFlags().String("proxy-url", "", "base URL of the generation proxy gateway")
	rootCmd.PersistentFlags().String("token", "", "auth token for the backend")
	rootCmd.PersistentFlags().String("db", "", "path to the local preferences database")
	rootCmd.PersistentFlags().String("query", "", "run this query immediately after connecting")

	for _, flag := range []string{"backend-url", "ws-url", "proxy-url", "token", "db", "query"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(openCmd, listCmd, deleteCmd, shareCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
