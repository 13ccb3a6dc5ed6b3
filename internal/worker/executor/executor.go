package executor

import (
	"context"

	"hookd/pkg/model"
)

// Executor 执行一个 chunk，返回输出日志
type Executor interface {
	Run(ctx context.Context, chunk *model.Chunk) (string, error)
}
