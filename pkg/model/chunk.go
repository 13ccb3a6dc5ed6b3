package model

import "time"

type ChunkState int

const (
	ChunkPending   ChunkState = iota // 等待调度
	ChunkScheduled                   // 已绑定节点，未运行
	ChunkRunning                     // 正在运行
	ChunkSuccess                     // 运行成功
	ChunkFailed                      // 运行失败 (重试次数已用完)
	ChunkCancelled                   // 被取消
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkScheduled:
		return "scheduled"
	case ChunkRunning:
		return "running"
	case ChunkSuccess:
		return "success"
	case ChunkFailed:
		return "failed"
	case ChunkCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal 终态的 chunk 不会再被调度
func (s ChunkState) Terminal() bool {
	return s == ChunkSuccess || s == ChunkFailed || s == ChunkCancelled
}

type ChunkSpec struct {
	Image      string   `json:"image,omitempty"` // Docker 镜像，为空时用 worker 默认镜像
	Command    []string `json:"command"`
	Envs       []string `json:"envs"`
	RetryCount int      `json:"retry_count"` // 失败后最多再试几次
}

type ChunkStatus struct {
	State       ChunkState `json:"state"`
	NodeAddress string     `json:"node_address,omitempty"` // 被分配到了哪个节点
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
}

// Chunk 一个待分发的工作单元
type Chunk struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Spec   ChunkSpec   `json:"spec"`
	Status ChunkStatus `json:"status"`
}

// Bind 把 chunk 绑定到节点，计一次尝试
func (c *Chunk) Bind(address string, now time.Time) {
	c.Status.State = ChunkScheduled
	c.Status.NodeAddress = address
	c.Status.Attempts++
	c.Status.Error = ""
	c.Status.ScheduledAt = now
	c.Status.StartTime = time.Time{}
	c.Status.EndTime = time.Time{}
}

// Fail 记录一次失败。还有重试次数时回到 Pending 并返回 true
func (c *Chunk) Fail(reason string, now time.Time) bool {
	c.Status.Error = reason
	c.Status.EndTime = now
	if c.Status.Attempts <= c.Spec.RetryCount {
		c.Status.State = ChunkPending
		c.Status.NodeAddress = ""
		return true
	}
	c.Status.State = ChunkFailed
	return false
}

// Interrupt 把被中断的 chunk 放回 Pending，撤销这次尝试，不消耗重试次数
func (c *Chunk) Interrupt(reason string, now time.Time) {
	c.Status.State = ChunkPending
	c.Status.NodeAddress = ""
	c.Status.Error = reason
	c.Status.EndTime = now
	if c.Status.Attempts > 0 {
		c.Status.Attempts--
	}
}

func (c *Chunk) Clone() *Chunk {
	cp := *c
	cp.Spec.Command = append([]string(nil), c.Spec.Command...)
	cp.Spec.Envs = append([]string(nil), c.Spec.Envs...)
	return &cp
}
