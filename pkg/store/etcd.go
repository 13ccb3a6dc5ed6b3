package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hookd/pkg/model"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key 前缀 (Schema Design)
const (
	NodeKeyPrefix   = "/hookd/nodes/"    // address -> Node JSON
	NodeIDKeyPrefix = "/hookd/node-ids/" // id -> address
	ChunkKeyPrefix  = "/hookd/chunks/"
	LogKeyPrefix    = "/hookd/logs/"
)

type EtcdManager struct {
	client *clientv3.Client
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration) (*EtcdManager, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdManager{client: cli}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) CreateNode(ctx context.Context, node *model.Node) error {
	key := NodeKeyPrefix + node.Address
	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}

	// 只有 key 从未被创建过才写入，address 和 id 索引一起落盘
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, string(bytes)),
			clientv3.OpPut(NodeIDKeyPrefix+node.ID, node.Address),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("create node %s: %w", node.Address, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("create node %s: %w", node.Address, ErrDuplicateAddress)
	}
	return nil
}

func (e *EtcdManager) GetNode(ctx context.Context, address string) (*model.Node, error) {
	node, _, err := e.getNode(ctx, address)
	return node, err
}

func (e *EtcdManager) GetNodeByID(ctx context.Context, id string) (*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeIDKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("node id %s: %w", id, ErrNodeNotFound)
	}
	return e.GetNode(ctx, string(resp.Kvs[0].Value))
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping undecodable node")
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (e *EtcdManager) DeleteNode(ctx context.Context, address string) error {
	key := NodeKeyPrefix + address
	for {
		node, rev, err := e.getNode(ctx, address)
		if err != nil {
			return err
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(
				clientv3.OpDelete(key),
				clientv3.OpDelete(NodeIDKeyPrefix+node.ID),
			).
			Commit()
		if err != nil {
			return fmt.Errorf("delete node %s: %w", address, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
}

func (e *EtcdManager) AdjustScore(ctx context.Context, address string, delta int64) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		n.Score += delta
		return nil
	})
}

func (e *EtcdManager) IncrementChunks(ctx context.Context, address string, count int64) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		n.ChunksProcessed += count
		return nil
	})
}

func (e *EtcdManager) TouchLastChunk(ctx context.Context, address string, ts time.Time) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		n.LastChunkAt = &ts
		return nil
	})
}

func (e *EtcdManager) RecordSuccess(ctx context.Context, address string, count int64, ts time.Time) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		n.Score++
		n.ChunksProcessed += count
		n.LastChunkAt = &ts
		return nil
	})
}

func (e *EtcdManager) SetStatus(ctx context.Context, address string, status model.NodeStatus) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		n.Status = status
		return nil
	})
}

func (e *EtcdManager) CompareAndSwapStatus(ctx context.Context, address string, from, to model.NodeStatus) (*model.Node, error) {
	return e.mutateNode(ctx, address, func(n *model.Node) error {
		if n.Status != from {
			return fmt.Errorf("node %s is %s, want %s: %w", address, n.Status, from, ErrStatusConflict)
		}
		n.Status = to
		return nil
	})
}

func (e *EtcdManager) getNode(ctx context.Context, address string) (*model.Node, int64, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix+address)
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, fmt.Errorf("node %s: %w", address, ErrNodeNotFound)
	}
	var node model.Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return nil, 0, fmt.Errorf("decode node %s: %w", address, err)
	}
	return &node, resp.Kvs[0].ModRevision, nil
}

// mutateNode 乐观锁：读出 ModRevision，写回时比较，冲突就重读重试。
// fn 返回错误时直接放弃，不写入。
func (e *EtcdManager) mutateNode(ctx context.Context, address string, fn func(*model.Node) error) (*model.Node, error) {
	key := NodeKeyPrefix + address
	for {
		node, rev, err := e.getNode(ctx, address)
		if err != nil {
			return nil, err
		}
		if err := fn(node); err != nil {
			return nil, err
		}
		bytes, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(bytes))).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("update node %s: %w", address, err)
		}
		if resp.Succeeded {
			return node, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ---------------------------------------------------------
// Chunk 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) CreateChunk(ctx context.Context, chunk *model.Chunk) error {
	key := ChunkKeyPrefix + chunk.ID
	bytes, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", chunk.ID, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("create chunk %s: %w", chunk.ID, ErrDuplicateChunk)
	}
	return nil
}

func (e *EtcdManager) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	chunk, _, err := e.getChunk(ctx, id)
	return chunk, err
}

func (e *EtcdManager) ListChunks(ctx context.Context) ([]*model.Chunk, error) {
	resp, err := e.client.Get(ctx, ChunkKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	chunks := make([]*model.Chunk, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var chunk model.Chunk
		if err := json.Unmarshal(kv.Value, &chunk); err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping undecodable chunk")
			continue
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

func (e *EtcdManager) UpdateChunk(ctx context.Context, chunk *model.Chunk) error {
	return e.putValue(ctx, ChunkKeyPrefix+chunk.ID, chunk)
}

func (e *EtcdManager) CompareAndSwapChunk(ctx context.Context, chunk *model.Chunk, from model.ChunkState) error {
	key := ChunkKeyPrefix + chunk.ID
	bytes, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	for {
		current, rev, err := e.getChunk(ctx, chunk.ID)
		if err != nil {
			return err
		}
		if current.Status.State != from {
			return fmt.Errorf("chunk %s is %s, want %s: %w", chunk.ID, current.Status.State, from, ErrChunkConflict)
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(bytes))).
			Commit()
		if err != nil {
			return fmt.Errorf("update chunk %s: %w", chunk.ID, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
}

// WatchChunks 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchChunks(ctx context.Context) <-chan ChunkEvent {
	eventChan := make(chan ChunkEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, ChunkKeyPrefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				log.Warn().Err(err).Msg("chunk watch error")
				continue
			}
			for _, ev := range watchResp.Events {
				event := ChunkEvent{Type: ChunkUpdate}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					// 删除事件没有 value，只带回 ID
					event.Type = ChunkDelete
					event.Chunk = &model.Chunk{ID: strings.TrimPrefix(string(ev.Kv.Key), ChunkKeyPrefix)}
				default:
					if ev.IsCreate() {
						event.Type = ChunkCreate
					}
					var chunk model.Chunk
					if err := json.Unmarshal(ev.Kv.Value, &chunk); err != nil {
						log.Warn().Err(err).Str("key", string(ev.Kv.Key)).Msg("failed to unmarshal chunk")
						continue
					}
					event.Chunk = &chunk
				}

				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) getChunk(ctx context.Context, id string) (*model.Chunk, int64, error) {
	resp, err := e.client.Get(ctx, ChunkKeyPrefix+id)
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, fmt.Errorf("chunk %s: %w", id, ErrChunkNotFound)
	}
	var chunk model.Chunk
	if err := json.Unmarshal(resp.Kvs[0].Value, &chunk); err != nil {
		return nil, 0, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	return &chunk, resp.Kvs[0].ModRevision, nil
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveChunkLog(ctx context.Context, chunkID string, logs string) error {
	data := map[string]string{
		"chunk_id": chunkID,
		"content":  logs,
	}
	return e.putValue(ctx, LogKeyPrefix+chunkID, data)
}

func (e *EtcdManager) GetChunkLog(ctx context.Context, chunkID string) (string, error) {
	resp, err := e.client.Get(ctx, LogKeyPrefix+chunkID)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("chunk %s: %w", chunkID, ErrChunkLogNotFound)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return "", err
	}
	return data["content"], nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}
