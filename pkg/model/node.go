package model

import "time"

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeReady       NodeStatus = "ready"       // 可被调度
	NodeBusy        NodeStatus = "busy"        // 已被某个调度方 Claim
	NodeUnreachable NodeStatus = "unreachable" // 健康检查失败
	NodeDraining    NodeStatus = "draining"    // 下线中，不再接新任务
)

// Valid 判断是否为已知状态
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeReady, NodeBusy, NodeUnreachable, NodeDraining:
		return true
	}
	return false
}

type Node struct {
	ID      string     `json:"id"`      // UUID，创建时生成，之后不可变
	Address string     `json:"address"` // Worker 的 IP 地址，注册表内唯一
	Status  NodeStatus `json:"status"`

	// 调度信号：成功 +1，失败 -1，没有上下界
	Score int64 `json:"score"`

	ChunksProcessed int64      `json:"chunks_processed_count"`
	LastChunkAt     *time.Time `json:"time_of_last_chunk"` // 还没处理过 chunk 时为 nil

	CreatedAt time.Time `json:"created_at"`
}

// Clone 返回一份深拷贝，存储层对外只暴露副本
func (n *Node) Clone() *Node {
	c := *n
	if n.LastChunkAt != nil {
		t := *n.LastChunkAt
		c.LastChunkAt = &t
	}
	return &c
}
