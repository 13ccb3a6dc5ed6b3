package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"hookd/internal/metrics"
	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/rs/zerolog/log"
)

// sweepTimedOut 找出超时的 chunk：算作节点一次失败，释放节点，按重试次数重新排队或判失败
func (s *Scheduler) sweepTimedOut(ctx context.Context) {
	if s.cfg.ChunkTimeout <= 0 {
		return
	}
	defer metrics.ObserveSince(metrics.SweepSeconds, time.Now())

	chunks, err := s.chunks.ListChunks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: failed to list chunks")
		return
	}

	now := s.registry.Now()
	for _, chunk := range chunks {
		state := chunk.Status.State
		if state != model.ChunkScheduled && state != model.ChunkRunning {
			continue
		}
		if now.Sub(chunk.Status.ScheduledAt) <= s.cfg.ChunkTimeout {
			continue
		}

		address := chunk.Status.NodeAddress
		updated := chunk.Clone()
		requeued := updated.Fail(fmt.Sprintf("timed out after %s on %s", s.cfg.ChunkTimeout, address), now)

		// worker 可能刚好做完，CAS 失败就说明不用处理了
		if err := s.chunks.CompareAndSwapChunk(ctx, updated, state); err != nil {
			if !errors.Is(err, store.ErrChunkConflict) {
				log.Warn().Err(err).Str("chunk", chunk.ID).Msg("sweep: failed to update chunk")
			}
			continue
		}

		if _, err := s.registry.ReportFailure(ctx, address); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("sweep: failed to report failure")
		}
		if _, err := s.registry.Release(ctx, address); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			log.Warn().Err(err).Str("address", address).Msg("sweep: failed to release node")
		}

		metrics.ChunksTimedOut.WithLabelValues(strconv.FormatBool(requeued)).Inc()
		log.Warn().
			Str("chunk", chunk.ID).
			Str("address", address).
			Bool("requeued", requeued).
			Msg("chunk timed out")
	}
}
