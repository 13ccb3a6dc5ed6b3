package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hookd/pkg/model"
)

// MemoryStore 进程内实现，同时满足 NodeStore 和 ChunkStore。
// 一把互斥锁保证单节点修改的原子性，主要用于测试和单机调试。
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]*model.Node // address -> node
	nodeIDs map[string]string      // id -> address
	chunks  map[string]*model.Chunk
	logs    map[string]string

	subMu sync.Mutex
	subs  map[*memorySub]struct{}
}

type memorySub struct {
	ctx context.Context
	ch  chan ChunkEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*model.Node),
		nodeIDs: make(map[string]string),
		chunks:  make(map[string]*model.Chunk),
		logs:    make(map[string]string),
		subs:    make(map[*memorySub]struct{}),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateNode(_ context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.Address]; ok {
		return fmt.Errorf("create node %s: %w", node.Address, ErrDuplicateAddress)
	}
	m.nodes[node.Address] = node.Clone()
	m.nodeIDs[node.ID] = node.Address
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, address string) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[address]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", address, ErrNodeNotFound)
	}
	return n.Clone(), nil
}

func (m *MemoryStore) GetNodeByID(ctx context.Context, id string) (*model.Node, error) {
	m.mu.Lock()
	address, ok := m.nodeIDs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node id %s: %w", id, ErrNodeNotFound)
	}
	return m.GetNode(ctx, address)
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n.Clone())
	}
	// 与 etcd 前缀查询的 key 顺序保持一致
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[address]
	if !ok {
		return fmt.Errorf("node %s: %w", address, ErrNodeNotFound)
	}
	delete(m.nodes, address)
	delete(m.nodeIDs, n.ID)
	return nil
}

func (m *MemoryStore) AdjustScore(_ context.Context, address string, delta int64) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		n.Score += delta
		return nil
	})
}

func (m *MemoryStore) IncrementChunks(_ context.Context, address string, count int64) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		n.ChunksProcessed += count
		return nil
	})
}

func (m *MemoryStore) TouchLastChunk(_ context.Context, address string, ts time.Time) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		n.LastChunkAt = &ts
		return nil
	})
}

func (m *MemoryStore) RecordSuccess(_ context.Context, address string, count int64, ts time.Time) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		n.Score++
		n.ChunksProcessed += count
		n.LastChunkAt = &ts
		return nil
	})
}

func (m *MemoryStore) SetStatus(_ context.Context, address string, status model.NodeStatus) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		n.Status = status
		return nil
	})
}

func (m *MemoryStore) CompareAndSwapStatus(_ context.Context, address string, from, to model.NodeStatus) (*model.Node, error) {
	return m.mutateNode(address, func(n *model.Node) error {
		if n.Status != from {
			return fmt.Errorf("node %s is %s, want %s: %w", address, n.Status, from, ErrStatusConflict)
		}
		n.Status = to
		return nil
	})
}

func (m *MemoryStore) mutateNode(address string, fn func(*model.Node) error) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[address]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", address, ErrNodeNotFound)
	}
	updated := n.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	m.nodes[address] = updated
	return updated.Clone(), nil
}

func (m *MemoryStore) CreateChunk(_ context.Context, chunk *model.Chunk) error {
	m.mu.Lock()
	if _, ok := m.chunks[chunk.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("create chunk %s: %w", chunk.ID, ErrDuplicateChunk)
	}
	m.chunks[chunk.ID] = chunk.Clone()
	m.mu.Unlock()

	m.publish(ChunkEvent{Type: ChunkCreate, Chunk: chunk.Clone()})
	return nil
}

func (m *MemoryStore) GetChunk(_ context.Context, id string) (*model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListChunks(_ context.Context) ([]*model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := make([]*model.Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		chunks = append(chunks, c.Clone())
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
	return chunks, nil
}

func (m *MemoryStore) UpdateChunk(_ context.Context, chunk *model.Chunk) error {
	m.mu.Lock()
	m.chunks[chunk.ID] = chunk.Clone()
	m.mu.Unlock()

	m.publish(ChunkEvent{Type: ChunkUpdate, Chunk: chunk.Clone()})
	return nil
}

func (m *MemoryStore) CompareAndSwapChunk(_ context.Context, chunk *model.Chunk, from model.ChunkState) error {
	m.mu.Lock()
	current, ok := m.chunks[chunk.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("chunk %s: %w", chunk.ID, ErrChunkNotFound)
	}
	if current.Status.State != from {
		m.mu.Unlock()
		return fmt.Errorf("chunk %s is %s, want %s: %w", chunk.ID, current.Status.State, from, ErrChunkConflict)
	}
	m.chunks[chunk.ID] = chunk.Clone()
	m.mu.Unlock()

	m.publish(ChunkEvent{Type: ChunkUpdate, Chunk: chunk.Clone()})
	return nil
}

func (m *MemoryStore) SaveChunkLog(_ context.Context, chunkID string, logs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[chunkID] = logs
	return nil
}

func (m *MemoryStore) GetChunkLog(_ context.Context, chunkID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[chunkID]
	if !ok {
		return "", fmt.Errorf("chunk %s: %w", chunkID, ErrChunkLogNotFound)
	}
	return l, nil
}

func (m *MemoryStore) WatchChunks(ctx context.Context) <-chan ChunkEvent {
	sub := &memorySub{ctx: ctx, ch: make(chan ChunkEvent, 64)}
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	out := make(chan ChunkEvent)
	go func() {
		defer close(out)
		defer func() {
			m.subMu.Lock()
			delete(m.subs, sub)
			m.subMu.Unlock()
		}()
		for {
			select {
			case ev := <-sub.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// publish 在锁外投递，订阅方处理事件时可以继续写 store
func (m *MemoryStore) publish(ev ChunkEvent) {
	m.subMu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ChunkEvent{Type: ev.Type, Chunk: ev.Chunk.Clone()}:
		case <-s.ctx.Done():
		}
	}
}
