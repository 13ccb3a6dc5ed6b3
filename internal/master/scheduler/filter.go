package scheduler

import "hookd/pkg/model"

// filterNodes 遍历节点，返回可以接活的候选者
func filterNodes(nodes []*model.Node) []*model.Node {
	candidates := make([]*model.Node, 0, len(nodes))
	for _, node := range nodes {
		if checkNode(node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode 只有 ready 的节点能被选中，busy/draining/unreachable 一律跳过
func checkNode(node *model.Node) bool {
	return node != nil && node.Status == model.NodeReady
}
