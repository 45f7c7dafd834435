package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"curri-chat/internal/adapter/files"
	"curri-chat/internal/adapter/llm"
	"curri-chat/internal/adapter/storage"
	"curri-chat/internal/domain"
	"curri-chat/internal/infra/config"
	"curri-chat/internal/infra/logger"
	"curri-chat/internal/infra/tracer"
	"curri-chat/internal/usecase"
	"curri-chat/internal/usecase/eventbus"
)

const version = "0.3.0"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "chat"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "chat":
		err = runChat(args)
	case "list":
		err = runList(args)
	case "show":
		err = runShow(args)
	case "search":
		err = runSearch(args)
	case "delete":
		err = runDelete(args)
	case "version":
		fmt.Println("curri-chat " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'curri-chat --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`curri-chat - LLM chat client

USAGE:
    curri-chat [COMMAND] [FLAGS]

COMMANDS:
    chat        Interactive chat session (default)
    list        List stored conversations
    show        Print one conversation
                curri-chat show <conversation-id>
    search      Search conversations by title
                curri-chat search <query>
    delete      Delete a conversation
                curri-chat delete <conversation-id>
    version     Print the version

FLAGS:
    -h, --help           Show this help message
    -config PATH         Config file path (default: $HOME/.curri-chat/config.yaml)
    -conversation ID     Resume an existing conversation (chat)
    -model ID            Model id to generate with (chat)

CHAT COMMANDS:
    /models              List models from enabled providers
    /model <id>          Switch model
    /edit <n> <text>     Edit message n (1-based) and regenerate
    /regen [n]           Regenerate at message n (default: last)
    /cancel              Cancel the in-flight generation
    /title               Generate a title now
    /quit                Exit`)
}

// stack is the wired application: everything main builds before a command
// runs.
type stack struct {
	cfg       *config.Config
	logger    *slog.Logger
	logClose  func() error
	traceStop func(context.Context) error
	store     *storage.ConversationStore
	files     *files.LocalFileStore
	bus       *eventbus.Bus
	registry  *llm.Registry
	providers []domain.ProviderSettings
}

func buildStack(ctx context.Context, cfgPath string) (*stack, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, logClose, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	traceStop, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logClose()
		return nil, err
	}
	store, err := storage.NewConversationStore(cfg.Storage.Path)
	if err != nil {
		logClose()
		return nil, err
	}
	fileStore, err := files.NewLocalFileStore(cfg.Files.Dir, log)
	if err != nil {
		store.Close()
		logClose()
		return nil, err
	}
	bus := eventbus.New(log)
	registry, err := llm.NewFromConfig(cfg.LLM, fileStore, bus, log)
	if err != nil {
		store.Close()
		logClose()
		return nil, err
	}

	return &stack{
		cfg:       cfg,
		logger:    log,
		logClose:  logClose,
		traceStop: traceStop,
		store:     store,
		files:     fileStore,
		bus:       bus,
		registry:  registry,
		providers: providerSettings(cfg),
	}, nil
}

func (s *stack) close(ctx context.Context) {
	s.bus.Close()
	s.store.Close()
	s.traceStop(ctx)
	s.logClose()
}

// providerSettings maps provider config into domain settings. Model
// catalogs start empty and are filled by refreshModels.
func providerSettings(cfg *config.Config) []domain.ProviderSettings {
	out := make([]domain.ProviderSettings, 0, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		out = append(out, domain.ProviderSettings{
			ID:      p.ID,
			Type:    domain.ProviderType(p.Type),
			Name:    p.Name,
			Enabled: p.Enabled,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
		})
	}
	return out
}

// refreshModels fetches the model catalog of every enabled provider.
func refreshModels(ctx context.Context, s *stack) {
	for i := range s.providers {
		ps := &s.providers[i]
		if !ps.Enabled {
			continue
		}
		provider, err := s.registry.ForSettings(*ps)
		if err != nil {
			s.logger.Warn("provider not mapped", "provider", ps.Name, "error", err)
			continue
		}
		models, err := provider.ListModels(ctx, *ps)
		if err != nil {
			continue
		}
		ps.Models = models
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.curri-chat/config.yaml"
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	convID := fs.String("conversation", "", "conversation id to resume")
	modelID := fs.String("model", "", "model id to generate with")
	fs.Parse(args)

	ctx := context.Background()
	s, err := buildStack(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	refreshModels(ctx, s)

	opts := usecase.ControllerOptions{
		TitleDelay:   s.cfg.Generation.TitleDelay,
		DefaultModel: s.cfg.Generation.DefaultModel,
		Temperature:  s.cfg.Generation.Temperature,
		TopP:         s.cfg.Generation.TopP,
	}
	if *modelID != "" {
		opts.DefaultModel = *modelID
	}
	if s.cfg.Generation.HistoryTokenBudget > 0 {
		window, err := usecase.NewTokenWindowTransformer(
			s.cfg.Generation.HistoryTokenBudget,
			s.cfg.Generation.TokenEncoding,
			s.logger,
		)
		if err != nil {
			return err
		}
		opts.Transformers = append(opts.Transformers, window)
	}

	handler := usecase.NewHandler(s.registry, s.cfg.Generation.SystemPrompt, s.logger)
	ctrl := usecase.NewController(s.store, s.files, handler, s.registry, s.bus, s.providers, opts, s.logger)
	defer ctrl.Close()

	if *convID != "" {
		if err := ctrl.Load(ctx, *convID); err != nil {
			return err
		}
	}

	unsubscribe := s.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		switch ev.Type {
		case domain.EventGenerationFailed:
			var p domain.GenerationFailedPayload
			json.Unmarshal(ev.Payload, &p)
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", p.Code, p.Message)
		case domain.EventProviderNotice:
			var p domain.ProviderNoticePayload
			json.Unmarshal(ev.Payload, &p)
			fmt.Fprintln(os.Stderr, "notice: "+p.Message)
		case domain.EventTitleUpdated:
			var p domain.TitleUpdatedPayload
			json.Unmarshal(ev.Payload, &p)
			fmt.Println("(titled: " + p.Title + ")")
		}
	})
	defer unsubscribe()

	fmt.Printf("curri-chat %s  (conversation %s, /quit to exit)\n", version, ctrl.Conversation().ID)
	return repl(ctx, ctrl, s)
}

func repl(ctx context.Context, ctrl *usecase.Controller, s *stack) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := replCommand(ctx, ctrl, s, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error: "+err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		err := ctrl.Send(ctx, []domain.Part{domain.TextPart{Text: line}})
		if err != nil {
			if errors.Is(err, domain.ErrModelNotSelected) {
				fmt.Fprintln(os.Stderr, "no model selected; pick one with /model <id> (see /models)")
			}
			continue
		}
		ctrl.Wait()
		printLastAssistant(ctrl)
	}
}

func replCommand(ctx context.Context, ctrl *usecase.Controller, s *stack, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/cancel":
		ctrl.Cancel()
	case "/title":
		return false, ctrl.GenerateTitle(ctx)
	case "/models":
		refreshModels(ctx, s)
		ctrl.SetProviders(s.providers)
		for _, ps := range s.providers {
			if !ps.Enabled {
				continue
			}
			for _, m := range ps.Models {
				if m.Type != domain.ModelTypeChat {
					continue
				}
				fmt.Printf("%s\t%s\t(%s)\n", m.ID, m.Name, ps.Name)
			}
		}
	case "/model":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /model <id>")
		}
		ctrl.SetModel(fields[1])
	case "/edit":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /edit <n> <text>")
		}
		msg, err := messageAt(ctrl, fields[1])
		if err != nil {
			return false, err
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, fields[0]), " "+fields[1]))
		if err := ctrl.Edit(ctx, msg.ID, []domain.Part{domain.TextPart{Text: text}}); err != nil {
			return false, err
		}
		ctrl.Wait()
		printLastAssistant(ctrl)
	case "/regen":
		conv := ctrl.Conversation()
		if len(conv.Messages) == 0 {
			return false, fmt.Errorf("nothing to regenerate")
		}
		msg := conv.Messages[len(conv.Messages)-1]
		if len(fields) > 1 {
			m, err := messageAt(ctrl, fields[1])
			if err != nil {
				return false, err
			}
			msg = *m
		}
		if err := ctrl.RegenerateAt(ctx, msg.ID); err != nil {
			return false, err
		}
		ctrl.Wait()
		printLastAssistant(ctrl)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func messageAt(ctrl *usecase.Controller, arg string) (*domain.Message, error) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil {
		return nil, fmt.Errorf("message index must be a number")
	}
	conv := ctrl.Conversation()
	if n < 1 || n > len(conv.Messages) {
		return nil, fmt.Errorf("message index out of range (1..%d)", len(conv.Messages))
	}
	return &conv.Messages[n-1], nil
}

func printLastAssistant(ctrl *usecase.Controller) {
	conv := ctrl.Conversation()
	if len(conv.Messages) == 0 {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != domain.RoleAssistant {
		return
	}
	fmt.Println(last.Text())
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Parse(args)

	ctx := context.Background()
	s, err := buildStack(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	convs, err := s.store.GetAll(ctx)
	if err != nil {
		return err
	}
	printConversationList(convs)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: curri-chat search <query>")
	}

	ctx := context.Background()
	s, err := buildStack(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	convs, err := s.store.SearchByTitle(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printConversationList(convs)
	return nil
}

func printConversationList(convs []domain.Conversation) {
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s\t%s\t%d messages\t%s\n",
			c.ID, title, len(c.Messages), c.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: curri-chat show <conversation-id>")
	}

	ctx := context.Background()
	s, err := buildStack(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	conv, err := s.store.GetByID(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if conv.Title != "" {
		fmt.Println("# " + conv.Title)
	}
	for _, m := range conv.Messages {
		fmt.Printf("[%s] %s\n", m.Role, m.Text())
	}
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: curri-chat delete <conversation-id>")
	}

	ctx := context.Background()
	s, err := buildStack(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	conv, err := s.store.GetByID(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, conv.ID); err != nil {
		return err
	}
	// Release local images the conversation referenced.
	if err := s.files.DeleteOrphans(conv.Messages, nil); err != nil {
		s.logger.Warn("orphan cleanup failed", "conversation", conv.ID, "error", err)
	}
	fmt.Println("deleted " + conv.ID)
	return nil
}
