package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"hookd/internal/bootstrap"
	"hookd/internal/config"
	"hookd/internal/logging"
	"hookd/internal/registry"
	"hookd/internal/worker"
	"hookd/internal/worker/executor"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "hookd-worker",
		Version: version,
		Usage:   "Register this host as a node and run the chunks assigned to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("HOOKD_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Node address to register (defaults to the first non-loopback IPv4)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("address"); v != "" {
		cfg.Worker.Address = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	logging.Setup(cfg.Logging, "worker")

	if cfg.Worker.Address == "" {
		addr, err := outboundIP()
		if err != nil {
			return fmt.Errorf("detect node address: %w", err)
		}
		cfg.Worker.Address = addr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. 连接存储
	stores, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	// 2. Docker 执行器
	exec, err := executor.NewDockerExecutor(cfg.Worker.Image, cfg.Worker.PullImages)
	if err != nil {
		return fmt.Errorf("init docker executor: %w", err)
	}
	defer exec.Close()

	// 3. 启动 Agent
	agent := worker.NewAgent(cfg.Worker.Address, registry.New(stores.Nodes), stores.Chunks, exec, cfg.Worker.HeartbeatInterval)

	done := make(chan error, 1)
	go func() {
		done <- agent.Run(ctx)
	}()

	// 4. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info().Msg("shutting down worker")
		cancel()
		return <-done
	case err := <-done:
		return err
	}
}

// outboundIP 取第一个非 loopback 的 IPv4 地址
func outboundIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
