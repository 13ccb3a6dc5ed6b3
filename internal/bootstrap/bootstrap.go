package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"hookd/internal/config"
	"hookd/pkg/store"

	"github.com/rs/zerolog/log"
)

// Stores 是 master/worker 共用的存储句柄。
// Nodes 和 Chunks 可能是同一个 EtcdManager。
type Stores struct {
	Nodes  store.NodeStore
	Chunks store.ChunkStore

	closers []func() error
}

// Open 按配置连接 etcd，并在 registry.backend=postgres 时把节点表放到 PostgreSQL
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	etcd, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("endpoints", cfg.Etcd.Endpoints).Msg("connected to etcd")

	s := &Stores{Nodes: etcd, Chunks: etcd, closers: []func() error{etcd.Close}}

	if cfg.Registry.Backend == "postgres" {
		pool, err := store.ConnectPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		s.Nodes = pg
		s.closers = append(s.closers, pg.Close)
		log.Info().Msg("node registry backed by postgres")
	}
	return s, nil
}

// Close 逆序关闭所有连接
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
