package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/audit"
	"github.com/MEKXH/ccapproval/internal/channel"
	"github.com/MEKXH/ccapproval/internal/channel/slack"
	"github.com/MEKXH/ccapproval/internal/channel/telegram"
	"github.com/MEKXH/ccapproval/internal/config"
	"github.com/MEKXH/ccapproval/internal/cron"
	"github.com/MEKXH/ccapproval/internal/gateway"
	"github.com/MEKXH/ccapproval/internal/mcp"
	"github.com/MEKXH/ccapproval/internal/metrics"
	"github.com/MEKXH/ccapproval/internal/policy"
	"github.com/MEKXH/ccapproval/internal/session"
	"github.com/MEKXH/ccapproval/internal/telemetry"
	"github.com/MEKXH/ccapproval/internal/version"
)

const shutdownTimeout = 5 * time.Second

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP approval server on stdio",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ch, channelID, err := newChannel(cfg)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, ch, channelID, os.Stdin, os.Stdout)
}

// newChannel builds the configured chat platform and the channel id requests
// are posted to.
func newChannel(cfg *config.Config) (channel.Channel, string, error) {
	switch cfg.Platform {
	case config.PlatformSlack:
		return slack.New(&cfg.Slack), strings.TrimSpace(cfg.Slack.Channel), nil
	case config.PlatformTelegram:
		return telegram.New(&cfg.Telegram), strconv.FormatInt(cfg.Telegram.ChatID, 10), nil
	default:
		return nil, "", fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

// serve wires every component and blocks until ctx is cancelled or the MCP
// client closes stdin.
func serve(ctx context.Context, cfg *config.Config, ch channel.Channel, channelID string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	mode, err := policy.ParseMode(cfg.Approval.Mode)
	if err != nil {
		return err
	}
	evaluator, err := policy.NewEvaluator(policy.Config{Mode: mode, DangerousTools: cfg.Approval.DangerousTools})
	if err != nil {
		return fmt.Errorf("invalid approval policy: %w", err)
	}

	workingDir := strings.TrimSpace(cfg.Approval.WorkingDir)
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	store := session.NewStore(cfg.Storage.DataDir)
	registry := approval.NewRegistry()
	promMetrics := metrics.New(registry.PendingCount)
	auditWriter := audit.NewWriter(cfg.Storage.DataDir)

	svc := approval.NewService(registry, metrics.InstrumentGateway(ch, promMetrics), approval.Options{
		ChannelID:   channelID,
		SessionID:   cfg.Approval.SessionID,
		WaitTimeout: cfg.Approval.Timeout,
		WorkingDir:  workingDir,
		Policy:      evaluator,
		Threads:     session.NewBinding(store),
		Recorder:    approval.Recorders{auditWriter, promMetrics},
		Logger:      slog.Default().With("session_id", cfg.Approval.SessionID),
	})
	ch.SetDecisionHandler(svc.HandleDecision)

	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", ch.Name(), err)
	}
	slog.Info("ccapproval ready",
		"platform", ch.Name(),
		"channel", channelID,
		"mode", evaluator.Mode(),
		"timeout", cfg.Approval.Timeout,
		"version", version.Version,
	)

	g, gctx := errgroup.WithContext(ctx)

	mcpServer := mcp.NewServer(version.Version, svc)
	g.Go(func() error {
		// The assistant owns the process lifetime; a closed stdin ends the run.
		defer cancel()
		return mcpServer.ServeStdio(gctx, in, out)
	})

	if cfg.HTTP.Enabled {
		httpServer := gateway.New(cfg.HTTP, gateway.Deps{
			Approvals: registry,
			Decide:    svc.HandleDecision,
			Metrics:   promMetrics.Handler(),
		})
		g.Go(httpServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	scheduler := cron.NewService(gctx)
	if cfg.Maintenance.SessionRetention > 0 && strings.TrimSpace(cfg.Maintenance.PruneSchedule) != "" {
		job := cron.SessionPruneJob(store, cfg.Maintenance.SessionRetention, nil)
		if err := scheduler.AddJob(cron.PruneSessionsJobName, cfg.Maintenance.PruneSchedule, job); err != nil {
			return err
		}
	}
	scheduler.Start()
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return scheduler.Stop(shutdownCtx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return ch.Stop(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
