package store

import (
	"context"
	"errors"
	"time"

	"hookd/pkg/model"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrDuplicateAddress = errors.New("node address already registered")
	ErrStatusConflict   = errors.New("node status changed concurrently")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrChunkConflict    = errors.New("chunk state changed concurrently")
	ErrDuplicateChunk   = errors.New("chunk id already exists")
	ErrChunkLogNotFound = errors.New("chunk log not found")
)

// ChunkEventType 定义监听事件类型
type ChunkEventType int

const (
	ChunkCreate ChunkEventType = iota
	ChunkUpdate
	ChunkDelete
)

// ChunkEvent 包装了存储层中发生的 chunk 变化
type ChunkEvent struct {
	Type  ChunkEventType
	Chunk *model.Chunk
}

// NodeStore 节点注册表的持久化需求。
// 所有针对单个节点的修改都必须是原子的读-改-写，不允许调用方先读再写。
type NodeStore interface {
	// CreateNode 仅当 address 不存在时插入，否则返回 ErrDuplicateAddress
	CreateNode(ctx context.Context, node *model.Node) error

	GetNode(ctx context.Context, address string) (*model.Node, error)
	GetNodeByID(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	DeleteNode(ctx context.Context, address string) error

	// 以下方法在节点不存在时返回 ErrNodeNotFound，成功时返回修改后的节点
	AdjustScore(ctx context.Context, address string, delta int64) (*model.Node, error)
	IncrementChunks(ctx context.Context, address string, count int64) (*model.Node, error)
	TouchLastChunk(ctx context.Context, address string, ts time.Time) (*model.Node, error)
	SetStatus(ctx context.Context, address string, status model.NodeStatus) (*model.Node, error)

	// RecordSuccess 在一次原子修改里 score +1、计数加 count、最后活跃时间设为 ts
	RecordSuccess(ctx context.Context, address string, count int64, ts time.Time) (*model.Node, error)

	// CompareAndSwapStatus 仅当当前状态等于 from 时改为 to，否则返回 ErrStatusConflict
	CompareAndSwapStatus(ctx context.Context, address string, from, to model.NodeStatus) (*model.Node, error)

	Close() error
}

// ChunkStore chunk 队列的持久化需求
type ChunkStore interface {
	CreateChunk(ctx context.Context, chunk *model.Chunk) error
	GetChunk(ctx context.Context, id string) (*model.Chunk, error)
	ListChunks(ctx context.Context) ([]*model.Chunk, error)

	// UpdateChunk 无条件覆盖
	UpdateChunk(ctx context.Context, chunk *model.Chunk) error

	// CompareAndSwapChunk 仅当存储中的状态仍为 from 时写入 chunk，否则返回 ErrChunkConflict
	CompareAndSwapChunk(ctx context.Context, chunk *model.Chunk, from model.ChunkState) error

	SaveChunkLog(ctx context.Context, chunkID string, logs string) error
	GetChunkLog(ctx context.Context, chunkID string) (string, error)

	// WatchChunks 监听 chunk 变化，ctx 结束时关闭通道
	WatchChunks(ctx context.Context) <-chan ChunkEvent

	Close() error
}
