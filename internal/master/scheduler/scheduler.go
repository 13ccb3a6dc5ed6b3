package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hookd/internal/metrics"
	"hookd/internal/registry"
	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxClaimRetries int
	ResyncInterval  time.Duration // 定期重新调度遗留的 pending chunk
	ChunkTimeout    time.Duration // scheduled/running 超过这个时间视为节点失败，0 表示不检查
	ReleaseGrace    time.Duration // chunk 结束后再等这么久补一次 resync
}

// Scheduler 把 pending chunk 分发给节点
type Scheduler struct {
	registry *registry.Registry
	selector *Selector
	chunks   store.ChunkStore
	cfg      Config

	inflight sync.Map // chunk ID -> struct{}，同一个 chunk 同时只调度一次
	kick     chan struct{}
}

func NewScheduler(reg *registry.Registry, chunks store.ChunkStore, cfg Config) *Scheduler {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 10 * time.Second
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = 500 * time.Millisecond
	}
	return &Scheduler{
		registry: reg,
		selector: NewSelector(reg, cfg.MaxClaimRetries),
		chunks:   chunks,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Selector 返回调度器使用的 Selector，API 层复用它
func (s *Scheduler) Selector() *Selector {
	return s.selector
}

// Run 启动调度主循环，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	eventCh := s.chunks.WatchChunks(ctx)

	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	log.Info().Dur("resync", s.cfg.ResyncInterval).Dur("chunk_timeout", s.cfg.ChunkTimeout).Msg("scheduler started")

	// 启动时先把已经存在的 pending chunk 捞起来
	s.resync(ctx)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				log.Info().Msg("scheduler stopped")
				return
			}
			s.handleEvent(ctx, event)
		case <-ticker.C:
			s.sweepTimedOut(ctx)
			s.resync(ctx)
		case <-s.kick:
			s.resync(ctx)
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		}
	}
}

// Kick 请求一次立即的 resync，不阻塞
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, event store.ChunkEvent) {
	if event.Type == store.ChunkDelete {
		return
	}
	chunk := event.Chunk
	switch {
	case chunk.Status.State == model.ChunkPending:
		log.Debug().Str("chunk", chunk.ID).Msg("pending chunk detected")
		// 异步调度，防止阻塞主 Watch 循环
		go s.scheduleOne(ctx, chunk.ID)
	case chunk.Status.State.Terminal():
		// worker 先写 chunk 终态再 release 节点，这时节点多半还是 busy。
		// 立即 kick 一次，release 之后再补一次。
		s.Kick()
		time.AfterFunc(s.cfg.ReleaseGrace, s.Kick)
	}
}

func (s *Scheduler) resync(ctx context.Context) {
	chunks, err := s.chunks.ListChunks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("resync: failed to list chunks")
		return
	}
	for _, chunk := range chunks {
		if chunk.Status.State == model.ChunkPending {
			go s.scheduleOne(ctx, chunk.ID)
		}
	}
}

// scheduleOne 执行单次调度：Dispatch 一个节点，再把 chunk 绑定上去
func (s *Scheduler) scheduleOne(ctx context.Context, chunkID string) {
	if _, busy := s.inflight.LoadOrStore(chunkID, struct{}{}); busy {
		return
	}
	defer s.inflight.Delete(chunkID)

	start := time.Now()
	result := s.dispatchChunk(ctx, chunkID)
	metrics.ObserveSince(metrics.ScheduleSeconds.WithLabelValues(result), start)
}

// dispatchChunk 返回调度结果，用作指标标签
func (s *Scheduler) dispatchChunk(ctx context.Context, chunkID string) string {
	node, err := s.selector.Dispatch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("chunk", chunkID).Msg("dispatch failed, chunk stays pending")
		return "error"
	}
	if node == nil {
		log.Debug().Str("chunk", chunkID).Msg("no ready node, chunk stays pending")
		return "no_node"
	}

	if err := s.bind(ctx, chunkID, node.Address); err != nil {
		// chunk 没绑上，节点还回去
		if _, relErr := s.registry.Release(ctx, node.Address); relErr != nil {
			log.Warn().Err(relErr).Str("address", node.Address).Msg("failed to release node")
		}
		if errors.Is(err, store.ErrChunkConflict) || errors.Is(err, store.ErrChunkNotFound) {
			log.Debug().Err(err).Str("chunk", chunkID).Msg("chunk no longer pending")
			return "conflict"
		}
		log.Error().Err(err).Str("chunk", chunkID).Str("address", node.Address).Msg("failed to bind chunk")
		return "error"
	}

	log.Info().Str("chunk", chunkID).Str("address", node.Address).Int64("score", node.Score).Msg("chunk scheduled")
	return "scheduled"
}

// bind 将调度结果持久化，只有 chunk 仍是 pending 时才生效
func (s *Scheduler) bind(ctx context.Context, chunkID, address string) error {
	current, err := s.chunks.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	if current.Status.State != model.ChunkPending {
		return fmt.Errorf("chunk %s is %s: %w", chunkID, current.Status.State, store.ErrChunkConflict)
	}
	bound := current.Clone()
	bound.Bind(address, s.registry.Now())
	return s.chunks.CompareAndSwapChunk(ctx, bound, model.ChunkPending)
}
