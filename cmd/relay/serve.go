package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/channels/discord"
	"github.com/haasonsaas/relay/internal/channels/telegram"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/gate"
	"github.com/haasonsaas/relay/internal/heartbeat"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay runtime",
		Long: `Start the Relay runtime with all configured channels and providers.

The runtime will:
1. Load configuration from the specified file
2. Open the session, transcript, and operational stores
3. Initialize LLM providers and the built-in tool set
4. Start all enabled channel adapters
5. Start the cron engine and the heartbeat loop

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/relay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg, debug)

	sessionsDir := filepath.Join(cfg.DataDir, "sessions")
	cronDir := filepath.Join(cfg.DataDir, "cron")

	registry, err := sessions.NewRegistry(sessionsDir)
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	transcripts, err := sessions.NewTranscriptStore(sessionsDir)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	store, err := infra.Open(filepath.Join(cfg.DataDir, "infra.db"))
	if err != nil {
		return fmt.Errorf("open infra store: %w", err)
	}
	defer store.Close()

	var metrics *observability.Metrics
	var metricsSrv *observability.Server
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		metricsSrv = observability.NewServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, nil)
	}

	llmProviders, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	toolRegistry := agent.NewToolRegistry()
	if err := toolRegistry.Register(tools.NewEchoTool()); err != nil {
		return fmt.Errorf("register echo: %w", err)
	}
	if err := toolRegistry.Register(tools.NewClockTool()); err != nil {
		return fmt.Errorf("register clock: %w", err)
	}

	executor := agent.NewExecutor(toolRegistry, agent.WithToolTimeout(cfg.Tools.Timeout))
	loop := agent.NewLoop(llmProviders, toolRegistry, executor, transcripts,
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
		agent.WithRequestTimeout(cfg.LLM.RequestTimeout),
	)

	confirmGate := gate.New(
		gate.WithTimeout(cfg.Gate.ConfirmTimeout),
		gate.WithEventRecorder(func(eventType, status, source, message string) {
			ev := infra.Event{Type: eventType, Status: status, Source: source, Message: message}
			if err := store.RecordEvent(context.Background(), ev, cfg.Dispatch.EventTTL); err != nil {
				slog.Warn("record gate event failed", "error", err)
			}
		}),
	)

	channelRegistry := channels.NewRegistry()
	if err := buildChannels(cfg, channelRegistry); err != nil {
		return err
	}

	// The dispatcher, heartbeat, and scheduler reference each other;
	// the closures below resolve against these once wiring completes.
	var dispatcher *dispatch.Dispatcher
	var hb *heartbeat.Runner

	var scheduler *cron.Scheduler
	if cfg.Cron.Enabled {
		cronStore, err := cron.NewStore(cronDir)
		if err != nil {
			return fmt.Errorf("open cron store: %w", err)
		}
		runlog, err := cron.NewRunLog(filepath.Join(cronDir, "runs"))
		if err != nil {
			return fmt.Errorf("open cron run log: %w", err)
		}
		scheduler, err = cron.NewScheduler(cronStore, runlog,
			cron.WithSystemEventSink(cron.SystemEventSinkFunc(
				func(ctx context.Context, text string, meta map[string]string) error {
					return dispatcher.EnqueueSystemEvent(ctx, text, meta)
				})),
			cron.WithHeartbeatRequester(func(reason string) {
				hb.Request(reason)
			}),
			cron.WithHeartbeatRunner(cron.HeartbeatRunnerFunc(
				func(ctx context.Context) (cron.HeartbeatResult, error) {
					res, err := hb.RunOnce(ctx, "cron:forced")
					return cron.HeartbeatResult{
						Status: cron.RunStatus(res.Status),
						Reason: res.Reason,
					}, err
				})),
			cron.WithIsolatedRunner(cron.IsolatedRunnerFunc(
				func(ctx context.Context, job *cron.Job, message string) (cron.RunOutcome, error) {
					return dispatcher.RunIsolatedJob(ctx, job, message)
				})),
		)
		if err != nil {
			return fmt.Errorf("start cron scheduler: %w", err)
		}
		scheduler.Subscribe(func(ev cron.JobEvent) {
			if ev.Type == cron.EventFinished && ev.Record != nil {
				metrics.RecordCronRun(string(ev.Job.Target), string(ev.Record.Status))
			}
		})
		if err := toolRegistry.Register(tools.NewRemindTool(scheduler)); err != nil {
			return fmt.Errorf("register remind: %w", err)
		}
	}

	dispatcher = dispatch.New(cfg, dispatch.Deps{
		Sessions:    registry,
		Transcripts: transcripts,
		Infra:       store,
		Loop:        loop,
		Gate:        confirmGate,
		Channels:    channelRegistry,
		Cron:        scheduler,
		Metrics:     metrics,
	})
	hb = heartbeat.NewRunner(dispatcher.FlushSystemEvents,
		heartbeat.WithBusyCheck(dispatcher.Busy),
	)
	dispatcher.Attach()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := channelRegistry.StartAll(runCtx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	hb.Start(runCtx)
	if scheduler != nil {
		if err := scheduler.Start(runCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if metricsSrv != nil {
		metricsSrv.Start()
	}

	slog.Info("relay started",
		"agent_id", cfg.Agent.ID,
		"channels", len(channelRegistry.All()),
		"cron", cfg.Cron.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			slog.Warn("cron shutdown incomplete", "error", err)
		}
	}
	hb.Stop()
	confirmGate.Shutdown()
	if err := channelRegistry.StopAll(shutdownCtx); err != nil {
		slog.Warn("channel shutdown incomplete", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown incomplete", "error", err)
		}
	}
	return nil
}

func setupLogger(cfg *config.Config, debug bool) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildProviders(cfg *config.Config) ([]agent.Provider, error) {
	var list []agent.Provider
	for _, pc := range cfg.LLM.Providers {
		switch pc.Name {
		case "anthropic":
			list = append(list, providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
				MaxTokens:    cfg.LLM.MaxTokens,
			}))
		case "openai":
			list = append(list, providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
				MaxTokens:    cfg.LLM.MaxTokens,
			}))
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}
	return list, nil
}

func buildChannels(cfg *config.Config, registry *channels.Registry) error {
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.BotToken})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.BotToken})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}
