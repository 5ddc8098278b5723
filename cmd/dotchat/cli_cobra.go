package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotchat/pkg/api"
	"github.com/dotsetgreg/dotchat/pkg/channels"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/cron"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/providers"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

type rootOptions struct {
	configPath string
	debug      bool
}

// load reads the config and applies --debug on top of logging.level.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func (o *rootOptions) openApp() (*app, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dotchat",
		Short: "Conversational backend with rate-limited generation and rolling summaries",
		Long: strings.TrimSpace(`dotchat keeps one persistent conversation with a language model.

Every turn is stored in SQLite, the latest window is summarized into the prompt,
and generation calls go through a sliding-window rate limiter. Use serve to run
the HTTP API (and optional Discord channel), or chat for a local session.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to config.json")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newSummaryCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.dotchat/config.json",
		Example: "  dotchat onboard\n  dotchat onboard --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", opts.configPath)
				return nil
			}
			if err := config.SaveConfig(opts.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Wrote %s\n", opts.configPath)
			fmt.Fprintln(out, "Set providers.gemini.api_key (or GEMINI_API_KEY) before chatting.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, Discord channel and summary schedule",
		Long: strings.TrimSpace(`Serve the /chat HTTP API on gateway.host:gateway.port.

When channels.discord.enabled is set the Discord bot feeds the same
conversation, and a non-empty summary.schedule regenerates the digest on a
cron schedule.`),
		Example: "  dotchat serve\n  dotchat serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, a *app, out io.Writer) error {
	cfg := a.cfg

	manager, err := channels.NewManager(cfg, a.bus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	var scheduler *cron.Scheduler
	if expr := strings.TrimSpace(cfg.Summary.Schedule); expr != "" {
		scheduler, err = cron.NewScheduler("summary", expr, func(ctx context.Context) error {
			_, err := a.regenerateDigest(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	server := api.NewServer(api.Options{
		Chat:       a.loop,
		Store:      a.store,
		Summarizer: a.summarizer,
		Digest:     a.cache,
		WindowSize: cfg.Chat.WindowSize,
		Metrics:    a.metrics,
	})

	enabled := manager.GetEnabledChannels()
	if len(enabled) > 0 {
		if err := manager.StartAll(ctx); err != nil {
			return err
		}
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return server.Run(ctx, cfg.GatewayAddr())
	})
	fmt.Fprintf(out, "✓ HTTP API listening on %s\n", cfg.GatewayAddr())

	if len(enabled) > 0 {
		p.Go(a.loop.Run)
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			return manager.StopAll(context.WithoutCancel(ctx))
		})
		fmt.Fprintf(out, "✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	}

	if scheduler != nil {
		p.Go(scheduler.Run)
		fmt.Fprintf(out, "✓ Summary schedule: %s\n", scheduler.Schedule())
	}

	fmt.Fprintln(out, "Press Ctrl+C to stop")
	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(out, "✓ Stopped")
	return nil
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat locally, one-shot or interactive",
		Example: strings.Join([]string{
			"  dotchat chat",
			"  dotchat chat --message \"what did we talk about yesterday?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if strings.TrimSpace(message) != "" {
				result, err := a.loop.HandleMessage(cmd.Context(), message)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s %s\n", appName, result.Reply)
				return nil
			}

			fmt.Fprintf(out, "%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			interactiveMode(cmd.Context(), a, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	return cmd
}

func interactiveMode(ctx context.Context, a *app, out io.Writer) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, a, os.Stdin, out)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !respond(ctx, a, line, out) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, a *app, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if !respond(ctx, a, line, out) {
			return
		}
	}
}

// respond handles one line of input and reports whether to keep reading.
func respond(ctx context.Context, a *app, line string, out io.Writer) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(out, "Goodbye!")
		return false
	}

	result, err := a.loop.HandleMessage(ctx, input)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return true
	}
	fmt.Fprintf(out, "\n%s %s\n\n", appName, result.Reply)
	return true
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Print stored conversation turns",
		Example: "  dotchat history\n  dotchat history --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer store.Close()

			var turns []memory.Turn
			if limit > 0 {
				turns, err = store.Recent(cmd.Context(), limit)
			} else {
				turns, err = store.All(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(turns) == 0 {
				fmt.Fprintln(out, "No conversation turns yet.")
				return nil
			}
			for _, t := range turns {
				fmt.Fprintf(out, "[%d] %s %s: %s\n", t.ID, t.CreatedAt.UTC().Format(time.RFC3339), t.Role, t.Content)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the latest N turns (0 = all)")
	return cmd
}

func newSummaryCommand(opts *rootOptions) *cobra.Command {
	summaryRoot := &cobra.Command{
		Use:   "summary",
		Short: "Generate or show the full-history digest",
	}

	summaryRoot.AddCommand(&cobra.Command{
		Use:     "generate",
		Short:   "Summarize every stored turn and print the digest",
		Example: "  dotchat summary generate",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.regenerateDigest(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary)
			return nil
		},
	})

	var serverURL string
	show := &cobra.Command{
		Use:     "show",
		Short:   "Show the digest cached by a running server",
		Example: "  dotchat summary show\n  dotchat summary show --url http://127.0.0.1:18790",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := serverURL
			if base == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				base = localURL(cfg)
			}
			summary, generated, err := fetchDigest(cmd.Context(), base)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !generated {
				fmt.Fprintln(out, "No summary generated yet.")
				return nil
			}
			fmt.Fprintln(out, summary)
			return nil
		},
	}
	show.Flags().StringVar(&serverURL, "url", "", "Base URL of a running dotchat server (defaults to gateway config)")
	summaryRoot.AddCommand(show)

	return summaryRoot
}

func localURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

func fetchDigest(ctx context.Context, baseURL string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/chat/summary/retrieve", nil)
	if err != nil {
		return "", false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("reach dotchat server at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Summary   string `json:"summary"`
		Generated bool   `json:"generated"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", false, fmt.Errorf("decode summary response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return payload.Summary, payload.Generated, nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider and storage readiness",
		Example: "  dotchat status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}

			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			_, statErr := os.Stat(opts.configPath)
			fmt.Fprintln(out, "Config:", opts.configPath, mark(statErr == nil))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "Config errors: %v\n", err)
			}

			dbPath := cfg.StoragePath()
			if _, err := os.Stat(dbPath); err == nil {
				count := "?"
				if store, err := memory.NewSQLiteStore(dbPath); err == nil {
					if n, err := store.Count(cmd.Context()); err == nil {
						count = strconv.Itoa(n)
					}
					_ = store.Close()
				}
				fmt.Fprintf(out, "Storage: %s ✓ (%s turns)\n", dbPath, count)
			} else {
				fmt.Fprintln(out, "Storage:", dbPath, "not initialized")
			}

			provider, configured, mode, err := providers.ProviderCredentialStatus(cfg)
			if err != nil {
				fmt.Fprintf(out, "Provider: %v\n", err)
			} else {
				line := fmt.Sprintf("Provider: %s %s", provider, mark(configured))
				if mode != "" {
					line += " (" + mode + ")"
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "Model: %s (summary: %s)\n", cfg.Agents.Defaults.Model, cfg.SummaryModel())
			fmt.Fprintf(out, "Rate limit: %d calls per %s\n", cfg.RateLimit.MaxCalls, cfg.RateLimitPeriod())
			fmt.Fprintf(out, "Gateway: %s\n", cfg.GatewayAddr())

			schedule := cfg.Summary.Schedule
			if schedule == "" {
				schedule = "off"
			}
			fmt.Fprintf(out, "Summary schedule: %s\n", schedule)
			fmt.Fprintln(out, "Discord:", mark(cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != ""))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotchat version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
