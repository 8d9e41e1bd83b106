package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harborlight/fieldnotes/internal/api"
	"github.com/harborlight/fieldnotes/internal/bluesky"
	"github.com/harborlight/fieldnotes/internal/config"
	"github.com/harborlight/fieldnotes/internal/moderation"
	"github.com/harborlight/fieldnotes/internal/orchestrator"
	"github.com/harborlight/fieldnotes/internal/preference"
	"github.com/harborlight/fieldnotes/internal/storage"
	"github.com/harborlight/fieldnotes/internal/strategy"
	"github.com/harborlight/fieldnotes/internal/textgen"
)

const textgenTimeout = 60 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the posting campaign (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCampaign()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopCampaign()
	},
}

func stopCampaign() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("fieldnotes is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldnotes (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldnotes (PID %d)", pid)
	return nil
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldnotes.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runCampaign() error {
	fmt.Fprintf(os.Stderr, "fieldnotes version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start a second campaign against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fieldnotes is already running (PID %d)", pid)
			return fmt.Errorf("campaign already running (PID %d)", pid)
		}
		printWarning("fieldnotes is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("campaign already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	gen := textgen.New(cfg.TextGen.BaseURL, cfg.TextGen.APIKey, textgenTimeout)
	gate := moderation.NewGate(gen, cfg.TextGen.UseModeration)
	poster := bluesky.New(cfg.Bluesky.Host, cfg.Bluesky.Handle, cfg.Bluesky.Password)
	trainer := preference.NewManager(store)

	strategies, err := buildStrategies(cfg, gen, gate, trainer)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ShiftInterval:    cfg.Posting.ShiftInterval(),
		MetricsInterval:  cfg.Posting.MetricsInterval(),
		CampaignDuration: cfg.Campaign.CampaignDuration(),
	}, strategies, poster, store)
	if err != nil {
		return err
	}

	handler := api.NewHandler(store, trainer, orch, cfg.Server.AdminToken)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Campaign end brings the whole process down gracefully.
		defer stop()
		if err := orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("campaign: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "fieldnotes console listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStrategies instantiates every enabled strategy in stable id order.
func buildStrategies(cfg config.Config, chat strategy.Chatter, gate strategy.ModerationGate, profiles strategy.ProfileSource) ([]strategy.Strategy, error) {
	var strategies []strategy.Strategy
	for _, id := range config.EnabledStrategies(cfg) {
		sc := cfg.Strategies[id]
		switch id {
		case "self_critique":
			strategies = append(strategies, strategy.NewSelfCritique(strategy.SelfCritiqueConfig{
				ID:          id,
				Name:        sc.Name,
				Marker:      sc.Marker,
				Model:       cfg.TextGen.Model,
				Forbidden:   cfg.Rules.ForbiddenWords,
				MaxHashtags: cfg.Rules.MaxHashtags,
			}, chat, gate))
		case "preference_selection":
			strategies = append(strategies, strategy.NewPreferenceSelect(strategy.PreferenceSelectConfig{
				ID:          id,
				Name:        sc.Name,
				Marker:      sc.Marker,
				Model:       cfg.TextGen.Model,
				Forbidden:   cfg.Rules.ForbiddenWords,
				MaxHashtags: cfg.Rules.MaxHashtags,
			}, chat, gate, profiles))
		default:
			return nil, fmt.Errorf("unknown strategy %q in config", id)
		}
	}
	return strategies, nil
}
