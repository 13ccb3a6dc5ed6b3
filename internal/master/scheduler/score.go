package scheduler

import (
	"sort"

	"hookd/pkg/model"
)

// rankNodes 返回排好序的副本：score 高的在前；
// score 相同时最久没干活的在前 (从没处理过 chunk 的最优先)；最后按地址保证结果稳定。
func rankNodes(nodes []*model.Node) []*model.Node {
	ranked := append([]*model.Node(nil), nodes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return better(ranked[i], ranked[j])
	})
	return ranked
}

// better 判断 a 是否应该排在 b 前面
func better(a, b *model.Node) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}

	switch {
	case a.LastChunkAt == nil && b.LastChunkAt != nil:
		return true
	case a.LastChunkAt != nil && b.LastChunkAt == nil:
		return false
	case a.LastChunkAt != nil && b.LastChunkAt != nil && !a.LastChunkAt.Equal(*b.LastChunkAt):
		return a.LastChunkAt.Before(*b.LastChunkAt)
	}

	return a.Address < b.Address
}
