package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kitechat/kite/internal/api"
	"github.com/kitechat/kite/internal/chat"
	"github.com/kitechat/kite/internal/config"
	"github.com/kitechat/kite/internal/quota"
	"github.com/kitechat/kite/internal/transcript"
	"github.com/kitechat/kite/internal/tui"
)

// session bundles everything a chat-facing command needs.
type session struct {
	cfg        *config.Config
	client     *api.Client
	store      *transcript.SQLiteStore
	quotas     *quota.Store
	controller *chat.Controller
	ui         *tui.PlainIO
	fallback   bool // model catalog came from a degraded/cached list
}

// openSession wires the client, stores, and controller.
func openSession(cfg *config.Config) (*session, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	store, err := transcript.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend, err := quota.NewSQLiteBackend(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open quota backend: %w", err)
	}
	quotas := quota.NewStore(backend)

	// Fetch the catalog up front; a listing failure degrades to the
	// configured model rather than blocking the session.
	var models []api.ModelInfo
	var degraded bool
	listCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	list, err := client.ListModels(listCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: model list unavailable: %v\n", err)
		if cfg.Model != "" {
			models = []api.ModelInfo{{Value: cfg.Model, Label: cfg.Model}}
		}
	} else {
		models = list.Models
		degraded = list.Fallback
	}

	model := cfg.Model
	if model == "" && len(models) > 0 {
		model = models[0].Value
	}

	ui := tui.NewPlainIO()
	controller := chat.NewController(client, store, quotas, ui, chat.Options{
		Models:       models,
		Model:        model,
		SystemPrompt: cfg.SystemPrompt,
		APIKey:       func() string { return cfg.APIKey },
	})

	return &session{
		cfg:        cfg,
		client:     client,
		store:      store,
		quotas:     quotas,
		controller: controller,
		ui:         ui,
		fallback:   degraded,
	}, nil
}

func (s *session) close() {
	s.store.Close()
}

// runChat starts the interactive chat (REPL) mode.
func runChat() error {
	cfg := initConfig()

	s, err := openSession(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.controller.Scheduler().Run(ctx)
	go s.quotas.RunDailyRefresh(ctx)

	// First Ctrl-C stops the in-flight stream (keeping partial output);
	// a second one, or one while idle, exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if !s.controller.CancelSend() {
				cancel()
				fmt.Println()
				os.Exit(0)
			}
		}
	}()

	fmt.Printf("kite %s — model: %s (/help for commands)\n", appVersion, s.controller.ActiveModel())
	if s.fallback {
		fmt.Println("note: using a cached model list; capabilities may be stale")
	}

	var pendingImages []string
	for {
		input, err := s.ui.ReadInput()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			done, err := s.handleCommand(ctx, input, &pendingImages)
			if err != nil {
				s.ui.Error(err.Error())
			}
			if done {
				return nil
			}
			continue
		}

		images := pendingImages
		pendingImages = nil
		if err := s.controller.SendMessage(ctx, input, images, ""); err != nil {
			s.ui.Error(err.Error())
		}
	}
}

// handleCommand dispatches a slash command. Returns done=true to exit.
func (s *session) handleCommand(ctx context.Context, input string, pendingImages *[]string) (bool, error) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		s.ui.SystemMessage(`Commands:
  /new              start a new chat
  /chats            list saved chats
  /open <id>        resume a chat
  /model <id>       switch model
  /models           list models with quota state
  /quota            show stored quota per model
  /attach <path>    attach an image to the next message
  /redo             regenerate the last reply
  /quit             exit`)

	case "/new":
		s.controller.NewChat()
		s.ui.SystemMessage("Started a new chat.")

	case "/chats":
		chats, err := s.store.ListChats()
		if err != nil {
			return false, err
		}
		if len(chats) == 0 {
			s.ui.SystemMessage("No saved chats.")
			break
		}
		for _, c := range chats {
			s.ui.SystemMessage(fmt.Sprintf("%s  %s  (%s)", c.ID[:8], c.Title, c.UpdatedAt.Format("2006-01-02 15:04")))
		}

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <id>")
		}
		id, err := s.resolveChatID(args[0])
		if err != nil {
			return false, err
		}
		if err := s.controller.OpenChat(id); err != nil {
			return false, err
		}
		s.ui.SystemMessage("Chat resumed.")

	case "/model":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /model <id>")
		}
		s.controller.SetModel(args[0])
		s.ui.SystemMessage(fmt.Sprintf("Model set to %s.", args[0]))

	case "/models":
		s.printModels()

	case "/quota":
		s.printQuota()

	case "/attach":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return false, err
		}
		*pendingImages = append(*pendingImages, base64.StdEncoding.EncodeToString(data))
		s.ui.SystemMessage(fmt.Sprintf("Attached %s (%d images pending).", args[0], len(*pendingImages)))

	case "/redo":
		if err := s.controller.Regenerate(ctx); err != nil {
			return false, err
		}

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

// resolveChatID accepts a full chat ID or an unambiguous prefix.
func (s *session) resolveChatID(arg string) (string, error) {
	chats, err := s.store.ListChats()
	if err != nil {
		return "", err
	}
	var match string
	for _, c := range chats {
		if c.ID == arg {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("chat id prefix %q is ambiguous", arg)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no chat matching %q", arg)
	}
	return match, nil
}

func (s *session) printModels() {
	models := s.controller.Models()
	if len(models) == 0 {
		s.ui.SystemMessage("No models known.")
		return
	}
	active := s.controller.ActiveModel()
	for _, m := range models {
		marker := " "
		if m.Value == active {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s", marker, m.Value)
		if m.Label != "" && m.Label != m.Value {
			line += " — " + m.Label
		}
		if q, ok := s.quotas.Get(m.Value); ok {
			line += "  " + describeQuota(q)
		}
		s.ui.SystemMessage(line)
	}
}

func (s *session) printQuota() {
	snapshot := s.quotas.Snapshot()
	if len(snapshot) == 0 {
		s.ui.SystemMessage("No quota data recorded yet.")
		return
	}
	for model, q := range snapshot {
		s.ui.SystemMessage(fmt.Sprintf("%s: %s", model, describeQuota(q)))
	}
}

// describeQuota renders one quota record, clamping negatives for display.
func describeQuota(q quota.Info) string {
	switch {
	case q.Disabled():
		return "[unavailable on this plan]"
	case q.Limit != nil:
		line := fmt.Sprintf("[%d/%d left]", q.DisplayRemaining(), *q.Limit)
		if !q.ResetAt.IsZero() {
			line += " resets " + q.ResetAt.UTC().Format("15:04 MST")
		}
		return line
	case q.Remaining != nil:
		return fmt.Sprintf("[%d left]", q.DisplayRemaining())
	default:
		return "[no quota data]"
	}
}
