package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"hookd/internal/bootstrap"
	"hookd/internal/config"
	"hookd/internal/logging"
	"hookd/internal/master/api"
	"hookd/internal/master/scheduler"
	"hookd/internal/registry"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "hookd-master",
		Version: version,
		Usage:   "Schedule chunks onto the best-scoring ready worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("HOOKD_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "no-api",
				Usage: "Run the scheduler without the HTTP API",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("master failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if cmd.Bool("no-api") {
		cfg.API.Enabled = false
	}
	logging.Setup(cfg.Logging, "master")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. 连接存储
	stores, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	// 2. 初始化注册表和调度器
	reg := registry.New(stores.Nodes)
	sched := scheduler.NewScheduler(reg, stores.Chunks, scheduler.Config{
		MaxClaimRetries: cfg.Scheduler.MaxClaimRetries,
		ResyncInterval:  cfg.Scheduler.ResyncInterval,
		ChunkTimeout:    cfg.Scheduler.ChunkTimeout,
		ReleaseGrace:    cfg.Scheduler.ReleaseGrace,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// 3. API Server
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		e := api.NewRouter(api.RouterConfig{
			Registry:       reg,
			Selector:       sched.Selector(),
			RequestTimeout: cfg.Scheduler.RequestTimeout,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Serve(ctx, e, cfg.API.Addr()); err != nil {
				errCh <- err
			}
		}()
	}

	// 4. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info().Msg("shutting down master")
	case err = <-errCh:
		log.Error().Err(err).Msg("api server stopped")
	}
	cancel()
	wg.Wait()
	return err
}
