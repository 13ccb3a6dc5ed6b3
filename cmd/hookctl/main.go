package main

import (
	"context"
	"fmt"
	"os"

	"hookd/internal/bootstrap"
	"hookd/internal/config"
	"hookd/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "hookctl",
		Version: version,
		Usage:   "Submit chunks and manage hookd nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("HOOKD_CONFIG_PATH"),
			},
		},
		Commands: []*cli.Command{
			submitCmd(),
			logsCmd(),
			chunksCmd(),
			nodesCmd(),
			migrateCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("hookctl failed")
	}
}

// open 加载配置并连接存储，调用方负责 Close
func open(ctx context.Context, cmd *cli.Command) (*config.Config, *bootstrap.Stores, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// CLI 只输出 warn 以上，避免干扰命令结果
	cfg.Logging.Level = "warn"
	logging.Setup(cfg.Logging, "")

	stores, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}
