package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookd/internal/metrics"
	"hookd/internal/registry"
	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/rs/zerolog/log"
)

var (
	// ErrClaimConflict 另一个调度方抢先 claim 了这个节点
	ErrClaimConflict = errors.New("node claimed by another dispatcher")
	// ErrDispatchUnavailable claim 连续冲突，重试次数用完
	ErrDispatchUnavailable = errors.New("dispatch unavailable: claim retries exhausted")
)

const DefaultMaxClaimRetries = 5

type Selector struct {
	registry   *registry.Registry
	maxRetries int
}

func NewSelector(reg *registry.Registry, maxRetries int) *Selector {
	if maxRetries < 0 {
		maxRetries = DefaultMaxClaimRetries
	}
	return &Selector{registry: reg, maxRetries: maxRetries}
}

// Select 纯函数：从快照里挑出最优的 ready 节点，没有则返回 nil
func Select(nodes []*model.Node) *model.Node {
	candidates := filterNodes(nodes)
	if len(candidates) == 0 {
		return nil
	}
	return rankNodes(candidates)[0]
}

// NextReady 读取注册表快照并选择节点，不修改状态。
// 没有 ready 节点时返回 (nil, nil)。
func (s *Selector) NextReady(ctx context.Context) (*model.Node, error) {
	nodes, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return Select(nodes), nil
}

// Claim 把节点从 ready 原子地改成 busy
func (s *Selector) Claim(ctx context.Context, address string) (*model.Node, error) {
	node, err := s.registry.Claim(ctx, address)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: %w", ErrClaimConflict, err)
	}
	return node, err
}

// Dispatch 选择并 claim 一个节点。claim 冲突时重新选择，
// 超过 maxRetries 次冲突返回 ErrDispatchUnavailable；没有 ready 节点返回 (nil, nil)。
func (s *Selector) Dispatch(ctx context.Context) (*model.Node, error) {
	start := time.Now()
	node, err := s.dispatch(ctx)
	metrics.ObserveSince(metrics.DispatchSeconds, start)

	result := "claimed"
	switch {
	case errors.Is(err, ErrDispatchUnavailable):
		result = "unavailable"
	case err != nil:
		result = "error"
	case node == nil:
		result = "empty"
	}
	metrics.DispatchTotal.WithLabelValues(result).Inc()
	return node, err
}

func (s *Selector) dispatch(ctx context.Context) (*model.Node, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		candidate, err := s.NextReady(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		node, err := s.Claim(ctx, candidate.Address)
		if err == nil {
			return node, nil
		}
		// 选中之后节点被删掉也按冲突处理
		if !errors.Is(err, ErrClaimConflict) && !errors.Is(err, store.ErrNodeNotFound) {
			return nil, err
		}

		metrics.ClaimConflicts.Inc()
		log.Debug().
			Str("address", candidate.Address).
			Int("attempt", attempt+1).
			Msg("claim lost, reselecting")
	}
	return nil, ErrDispatchUnavailable
}
