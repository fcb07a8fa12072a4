package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perfqa/perfhub/internal/config"
	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/db"
	"github.com/perfqa/perfhub/internal/gitrepo"
	httpsvr "github.com/perfqa/perfhub/internal/http"
	"github.com/perfqa/perfhub/internal/jenkins"
	mcpsvr "github.com/perfqa/perfhub/internal/mcp"
	"github.com/perfqa/perfhub/internal/resource"
	"github.com/perfqa/perfhub/internal/sheets"
	"github.com/perfqa/perfhub/internal/tools"
)

var (
	version   = ""
	gitCommit = ""
	buildTime = ""
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	stdio := flag.Bool("stdio", true, "serve the MCP protocol on stdin/stdout")
	flag.Parse()

	// Stdout belongs to the MCP transport; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}

	broker := resource.NewBroker(factories(cfg), resource.Options{
		RevalidateAfter: time.Duration(cfg.Resources.RevalidateSec) * time.Second,
		Logger:          logger,
	})

	registry := core.NewRegistry()
	if err := tools.RegisterAll(registry); err != nil {
		logger.Error("tool registration failed", "err", err)
		os.Exit(1)
	}

	dispatcher := core.NewDispatcher(registry, broker, logger,
		time.Duration(cfg.Call.TimeoutSec)*time.Second)

	eagerConnect(broker, cfg.Resources.Eager, logger)

	logger.Info("effective config",
		"http_listen", cfg.HTTP.Listen,
		"call_timeout_sec", cfg.Call.TimeoutSec,
		"revalidate_sec", cfg.Resources.RevalidateSec,
		"eager_resources", cfg.Resources.Eager,
		"tools", len(registry.Descriptors()),
	)

	httpServer := httpsvr.NewServer(cfg.HTTP.Listen, dispatcher, broker, logger, httpsvr.BuildInfo{
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	mcpServer := mcpsvr.NewServer(dispatcher, version)

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.ListenAndServe() }()
	if *stdio {
		go func() { errCh <- mcpsvr.ServeStdio(mcpServer) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		} else {
			logger.Info("transport closed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	broker.ShutdownAll()
	logger.Info("shutdown complete")
}

// factories binds each resource kind to its backend constructor. Sessions
// are established lazily by the broker unless the kind is listed as eager.
func factories(cfg *config.Config) map[resource.Kind]resource.Factory {
	return map[resource.Kind]resource.Factory{
		resource.KindDatabase: func(ctx context.Context) (resource.Session, error) {
			return db.Open(db.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				Name:     cfg.Database.Name,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				SSLMode:  cfg.Database.SSLMode,
				PoolSize: cfg.Database.PoolSize,
				Tables:   cfg.Database.Tables,
			})
		},
		resource.KindCI: func(ctx context.Context) (resource.Session, error) {
			return jenkins.New(jenkins.Config{
				BaseURL:  cfg.Jenkins.BaseURL(),
				Username: cfg.Jenkins.Username,
				APIToken: cfg.Jenkins.APIToken,
			}), nil
		},
		resource.KindRepository: func(ctx context.Context) (resource.Session, error) {
			return gitrepo.Open(ctx, gitrepo.Config{
				Path:            cfg.Repo.Path,
				RemoteURL:       cfg.Repo.RemoteURL,
				GitLabURL:       cfg.Repo.GitLabURL,
				GitLabToken:     cfg.Repo.GitLabToken,
				GitLabProjectID: cfg.Repo.GitLabProjectID,
			})
		},
		resource.KindSpreadsheet: func(ctx context.Context) (resource.Session, error) {
			creds, err := os.ReadFile(cfg.Sheets.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read credentials %s: %w", cfg.Sheets.CredentialsFile, err)
			}
			return sheets.New(sheets.Config{CredentialsJSON: creds})
		},
	}
}

// eagerConnect establishes the listed kinds at startup. Failures are logged
// and left for the broker's on-demand retry path; they do not abort startup.
func eagerConnect(broker *resource.Broker, kinds []string, logger *slog.Logger) {
	for _, raw := range kinds {
		kind := resource.Kind(raw)
		if !kind.Valid() {
			logger.Warn("unknown eager resource kind", "kind", raw)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := broker.Acquire(ctx, kind); err != nil {
			logger.Warn("eager connect failed", "kind", kind, "err", err)
		} else {
			logger.Info("resource established", "kind", kind)
		}
		cancel()
	}
}
