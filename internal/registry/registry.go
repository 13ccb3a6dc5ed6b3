// Package registry 维护 worker 节点注册表。
// 节点 ID 在插入时生成，所有修改都走存储层的单节点原子操作。
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidCount = errors.New("chunk count must be positive")

type Registry struct {
	store store.NodeStore
	now   func() time.Time
	newID func() string
}

type Option func(*Registry)

// WithClock 替换时间源，测试里用来固定时间
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator 替换节点 ID 生成方式
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

func New(s store.NodeStore, opts ...Option) *Registry {
	r := &Registry{
		store: s,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now 返回注册表使用的当前时间
func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

// Insert 注册新节点。address 已存在时返回 store.ErrDuplicateAddress，原节点不变。
func (r *Registry) Insert(ctx context.Context, address string) (*model.Node, error) {
	if address == "" {
		return nil, errors.New("node address is required")
	}
	node := &model.Node{
		ID:        r.newID(),
		Address:   address,
		Status:    model.NodeReady,
		CreatedAt: r.Now(),
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	log.Info().Str("node_id", node.ID).Str("address", address).Msg("node registered")
	return node, nil
}

// Ensure 是 insert-if-absent：已注册的地址直接返回现有节点
func (r *Registry) Ensure(ctx context.Context, address string) (*model.Node, bool, error) {
	node, err := r.Insert(ctx, address)
	if err == nil {
		return node, true, nil
	}
	if !errors.Is(err, store.ErrDuplicateAddress) {
		return nil, false, err
	}
	node, err = r.store.GetNode(ctx, address)
	if err != nil {
		return nil, false, err
	}
	return node, false, nil
}

func (r *Registry) Get(ctx context.Context, address string) (*model.Node, error) {
	return r.store.GetNode(ctx, address)
}

func (r *Registry) GetByID(ctx context.Context, id string) (*model.Node, error) {
	return r.store.GetNodeByID(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*model.Node, error) {
	return r.store.ListNodes(ctx)
}

func (r *Registry) Remove(ctx context.Context, address string) error {
	if err := r.store.DeleteNode(ctx, address); err != nil {
		return err
	}
	log.Info().Str("address", address).Msg("node removed")
	return nil
}

func (r *Registry) AdjustScore(ctx context.Context, address string, delta int64) (*model.Node, error) {
	return r.store.AdjustScore(ctx, address, delta)
}

func (r *Registry) IncrementChunks(ctx context.Context, address string, count int64) (*model.Node, error) {
	if count < 1 {
		return nil, fmt.Errorf("increment chunks by %d: %w", count, ErrInvalidCount)
	}
	return r.store.IncrementChunks(ctx, address, count)
}

func (r *Registry) TouchLastChunk(ctx context.Context, address string, ts time.Time) (*model.Node, error) {
	return r.store.TouchLastChunk(ctx, address, ts.UTC())
}

// SetStatus 无条件修改状态，给运维 drain 和外部健康检查用
func (r *Registry) SetStatus(ctx context.Context, address string, status model.NodeStatus) (*model.Node, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown node status %q", status)
	}
	node, err := r.store.SetStatus(ctx, address, status)
	if err != nil {
		return nil, err
	}
	log.Info().Str("address", address).Str("status", string(status)).Msg("node status set")
	return node, nil
}

// Claim ready -> busy，只有一个调用方能成功，其余得到 store.ErrStatusConflict
func (r *Registry) Claim(ctx context.Context, address string) (*model.Node, error) {
	return r.store.CompareAndSwapStatus(ctx, address, model.NodeReady, model.NodeBusy)
}

// Release busy -> ready。节点已被改成 draining/unreachable 时返回 store.ErrStatusConflict，状态保持不变
func (r *Registry) Release(ctx context.Context, address string) (*model.Node, error) {
	return r.store.CompareAndSwapStatus(ctx, address, model.NodeBusy, model.NodeReady)
}

// Transition 把节点从 from 原子地改成 to，当前状态不是 from 时返回 store.ErrStatusConflict
func (r *Registry) Transition(ctx context.Context, address string, from, to model.NodeStatus) (*model.Node, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown node status %q", to)
	}
	return r.store.CompareAndSwapStatus(ctx, address, from, to)
}
