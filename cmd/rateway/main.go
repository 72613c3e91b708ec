package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IdleRPGBot/rateway/api"
	"github.com/IdleRPGBot/rateway/bridge"
	"github.com/IdleRPGBot/rateway/cache"
	"github.com/IdleRPGBot/rateway/cluster"
	"github.com/IdleRPGBot/rateway/config"
	"github.com/IdleRPGBot/rateway/gateway"
	"github.com/IdleRPGBot/rateway/logger"
	gerrors "github.com/IdleRPGBot/rateway/pkg/errors"
	"github.com/IdleRPGBot/rateway/pkg/health"
	"github.com/IdleRPGBot/rateway/pkg/metrics"
	"github.com/IdleRPGBot/rateway/pkg/retry"
	"github.com/IdleRPGBot/rateway/server/httpapi"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := gerrors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "", "Path to TOML configuration file (optional)")
	useEnv := flag.Bool("env", true, "Apply DISCORD_TOKEN, AMQP_URI and related environment overrides")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rateway version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, *useEnv, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RATEWAY: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "RATEWAY: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("rateway starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		errorHandler.FatalError("rateway", err)
		code, ok := errorHandler.WaitForExitWithTimeout(time.Second)
		if !ok {
			code = gerrors.ExitFatal
		}
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(code)
	}
	logger.Info("rateway stopped")
}

func loadAndValidateConfig(configPath string, useEnv bool, cfg *config.Config, errorHandler *gerrors.ErrorHandler) {
	if configPath != "" {
		if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
			errorHandler.ConfigError(configPath, err)
			os.Exit(<-errorHandler.Exit())
		}
	}
	if useEnv {
		if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
			errorHandler.ValidationError(err)
			os.Exit(<-errorHandler.Exit())
		}
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(<-errorHandler.Exit())
	}
}

// shardPlan resolves the total shard count and identify concurrency.
type shardPlan struct {
	total          int
	maxConcurrency int
	gatewayURL     string
}

func planShards(ctx context.Context, cfg config.Config) (shardPlan, error) {
	timeout, _ := cfg.API.GetTimeout()
	client := api.NewClient(cfg.API.BaseURL, cfg.Token, timeout)

	bot, err := client.GatewayBot(ctx)
	if err != nil {
		return shardPlan{}, fmt.Errorf("fetch gateway information: %w", err)
	}

	plan := shardPlan{
		total:          cfg.Shards.Total,
		maxConcurrency: bot.SessionStartLimit.MaxConcurrency,
		gatewayURL:     cfg.Gateway.URL,
	}
	if plan.total == 0 {
		plan.total = bot.Shards + cfg.Shards.Extra
	}
	if (plan.gatewayURL == "" || plan.gatewayURL == config.DefaultGatewayURL) && bot.URL != "" {
		plan.gatewayURL = bot.URL
	}

	logger.Info("Shard plan resolved",
		"recommended", bot.Shards, "extra", cfg.Shards.Extra, "total", plan.total,
		"max_concurrency", plan.maxConcurrency, "gateway", plan.gatewayURL)
	if remaining := bot.SessionStartLimit.Remaining; remaining < plan.total {
		logger.Warn("Not enough session starts left to identify every shard",
			"remaining", remaining, "needed", plan.total,
			"reset_after", time.Duration(bot.SessionStartLimit.ResetAfter)*time.Millisecond)
	}
	return plan, nil
}

func sessionTemplate(cfg config.Config, gatewayURL string) gateway.Config {
	return gateway.Config{
		Token:          cfg.Token,
		Intents:        cfg.Intents,
		URL:            gatewayURL,
		Version:        cfg.Gateway.Version,
		Compress:       cfg.Gateway.Compress,
		LargeThreshold: cfg.Gateway.LargeThreshold,
		HelloTimeout:   cfg.Gateway.GetHelloTimeoutWithDefault(),
		Backoff: retry.BackoffConfig{
			InitialInterval: cfg.Gateway.GetReconnectInitialWithDefault(),
			MaxInterval:     cfg.Gateway.GetReconnectMaxWithDefault(),
			Multiplier:      2.0,
			Jitter:          true,
		},
		CommandsPerMinute: cfg.Gateway.CommandsPerMinute,
		OnStateChange: func(shardID int, from, to gateway.State) {
			logger.Debug("Shard state changed", "shard", shardID, "from", from.String(), "to", to.String())
		},
	}
}

// run wires every component and blocks until ctx ends or a component fails.
func run(ctx context.Context, cfg config.Config) error {
	plan, err := planShards(ctx, cfg)
	if err != nil {
		return err
	}
	ranges := cluster.Partition(plan.total, cfg.Shards.PerCluster)
	if len(ranges) == 0 {
		return errors.New("no shards to run")
	}

	conn, err := bridge.Dial(ctx, cfg.AMQP, bridge.DialConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	// A nil *cache.Cache must not reach the bridge as a non-nil interface.
	var (
		entities   bridge.EntityCache
		cacheStats httpapi.CacheStats
		store      *cache.Cache
	)
	if cfg.CacheEnabled {
		store = cache.New(cfg.Cache.MessageLimit)
		entities, cacheStats = store, store
	} else {
		logger.Info("Entity cache disabled")
	}

	gate := cluster.NewIdentifyGate(plan.maxConcurrency, cfg.Gateway.GetIdentifyWindowWithDefault())
	dialer := &gateway.WebsocketDialer{HandshakeTimeout: cfg.Gateway.GetHandshakeTimeoutWithDefault()}
	template := sessionTemplate(cfg, plan.gatewayURL)

	clusters := make([]*cluster.Cluster, 0, len(ranges))
	bridges := make([]*bridge.Bridge, 0, len(ranges))
	for _, r := range ranges {
		c := cluster.New(cluster.Config{
			Range:       r,
			TotalShards: plan.total,
			Session:     template,
			EventBuffer: cfg.Gateway.EventBuffer,
		}, dialer, gate)

		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for cluster %d: %w", r.ID, err)
		}
		clusters = append(clusters, c)
		bridges = append(bridges, bridge.New(r.ID, ch, entities, c))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clusters {
		b := bridges[i]
		g.Go(func() error { return c.Run(gctx) })
		g.Go(func() error {
			if err := b.Run(gctx, c.Events()); err != nil {
				return fmt.Errorf("bridge for cluster %d: %w", c.ID(), err)
			}
			return nil
		})
	}
	logger.Info("Clusters configured", "clusters", len(clusters), "shards", plan.total)

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.NewAMQPCheck(func() error { return bridge.CheckConnection(conn) }))
	monitor.RegisterCheck(health.NewShardsCheck(func() (connected, total int) {
		for _, c := range clusters {
			connected += c.Connected()
		}
		return connected, plan.total
	}))
	monitor.Start(gctx)
	defer monitor.Stop()

	if store != nil {
		collector := metrics.NewCollector(store, 15*time.Second)
		g.Go(func() error {
			collector.Start(gctx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		errChan := make(chan error, 1)
		g.Go(func() error {
			httpapi.Start(gctx, httpapi.ServerOptions{
				Addr:   cfg.Metrics.Addr,
				Health: monitor,
				Clusters: func() []cluster.Info {
					infos := make([]cluster.Info, 0, len(clusters))
					for _, c := range clusters {
						infos = append(infos, c.Info())
					}
					return infos
				},
				Cache: cacheStats,
			}, errChan)
			select {
			case err := <-errChan:
				return err
			default:
				return nil
			}
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Shutdown signal received")
	}
	return err
}
