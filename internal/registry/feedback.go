package registry

import (
	"context"
	"fmt"

	"hookd/internal/metrics"
	"hookd/pkg/model"

	"github.com/rs/zerolog/log"
)

// ReportSuccess 成功处理 chunkCount 个 chunk：score +1，计数累加，刷新最后活跃时间
func (r *Registry) ReportSuccess(ctx context.Context, address string, chunkCount int64) (*model.Node, error) {
	if chunkCount < 1 {
		return nil, fmt.Errorf("report success with %d chunks: %w", chunkCount, ErrInvalidCount)
	}
	node, err := r.store.RecordSuccess(ctx, address, chunkCount, r.Now())
	if err != nil {
		return nil, fmt.Errorf("report success: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues("success").Inc()
	log.Debug().
		Str("address", address).
		Int64("score", node.Score).
		Int64("chunks", node.ChunksProcessed).
		Msg("node success reported")
	return node, nil
}

// ReportFailure score -1，计数和时间戳不变
func (r *Registry) ReportFailure(ctx context.Context, address string) (*model.Node, error) {
	node, err := r.store.AdjustScore(ctx, address, -1)
	if err != nil {
		return nil, fmt.Errorf("report failure: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues("failure").Inc()
	log.Debug().Str("address", address).Int64("score", node.Score).Msg("node failure reported")
	return node, nil
}
