package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hookd/internal/registry"
	"hookd/internal/worker/executor"
	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/rs/zerolog/log"
)

// 执行结束后写回状态的超时，worker 退出时也要把收尾做完
const finishTimeout = 10 * time.Second

type Agent struct {
	Address string

	registry  *registry.Registry
	chunks    store.ChunkStore
	executor  executor.Executor
	heartbeat time.Duration

	wg sync.WaitGroup
}

func NewAgent(address string, reg *registry.Registry, chunks store.ChunkStore, exec executor.Executor, heartbeat time.Duration) *Agent {
	if heartbeat <= 0 {
		heartbeat = 3 * time.Second
	}
	return &Agent{
		Address:   address,
		registry:  reg,
		chunks:    chunks,
		executor:  exec,
		heartbeat: heartbeat,
	}
}

// Run 注册节点、恢复上次遗留的 chunk，然后监听分配给自己的 chunk，直到 ctx 结束
func (a *Agent) Run(ctx context.Context) error {
	// 先订阅再注册和恢复，避免中间的事件丢失
	eventCh := a.chunks.WatchChunks(ctx)

	if err := a.register(ctx); err != nil {
		return err
	}
	if err := a.reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("recovery incomplete")
	}

	go a.startHeartbeat(ctx)

	log.Info().Str("address", a.Address).Msg("waiting for chunks")
	for event := range eventCh {
		if event.Type == store.ChunkDelete {
			continue
		}
		chunk := event.Chunk
		// 只处理分配给我且状态是 Scheduled 的
		if chunk.Status.NodeAddress == a.Address && chunk.Status.State == model.ChunkScheduled {
			log.Info().Str("chunk", chunk.ID).Msg("received chunk")
			a.spawn(ctx, chunk)
		}
	}

	a.wg.Wait()

	// 退出前把空闲节点标成 unreachable，避免 master 继续往这里派 chunk
	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if _, err := a.registry.Transition(offCtx, a.Address, model.NodeReady, model.NodeUnreachable); err == nil {
		log.Info().Str("address", a.Address).Msg("node marked unreachable")
	}
	return nil
}

func (a *Agent) spawn(ctx context.Context, chunk *model.Chunk) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.executeChunk(ctx, chunk)
	}()
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.register(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat registration failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// register 节点被删掉后会在下一次心跳重新注册；上次退出时标记的 unreachable 恢复成 ready
func (a *Agent) register(ctx context.Context) error {
	node, _, err := a.registry.Ensure(ctx, a.Address)
	if err != nil {
		return fmt.Errorf("register %s: %w", a.Address, err)
	}
	if node.Status == model.NodeUnreachable {
		if _, err := a.registry.Transition(ctx, a.Address, model.NodeUnreachable, model.NodeReady); err == nil {
			log.Info().Str("address", a.Address).Msg("node back online")
		}
	}
	return nil
}

// reconcile 处理上次进程退出时留下的 chunk：
// scheduled 的接着执行，running 的算一次失败并释放它占着的节点。
// 没有 chunk 的 busy 节点不在这里释放：master 可能刚 claim 还没来得及 bind。
func (a *Agent) reconcile(ctx context.Context) error {
	chunks, err := a.chunks.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	for _, chunk := range chunks {
		if chunk.Status.NodeAddress != a.Address {
			continue
		}
		switch chunk.Status.State {
		case model.ChunkScheduled:
			a.spawn(ctx, chunk)
		case model.ChunkRunning:
			failed := chunk.Clone()
			requeued := failed.Fail("worker restarted during execution", a.registry.Now())
			if err := a.chunks.CompareAndSwapChunk(ctx, failed, model.ChunkRunning); err != nil {
				continue
			}
			if _, err := a.registry.ReportFailure(ctx, a.Address); err != nil {
				log.Warn().Err(err).Msg("failed to report failure")
			}
			// CAS 成功说明这个 claim 属于该 chunk，可以安全释放
			a.release(ctx)
			log.Warn().Str("chunk", chunk.ID).Bool("requeued", requeued).Msg("abandoned chunk recovered")
		}
	}

	node, err := a.registry.Get(ctx, a.Address)
	if err == nil && node.Status == model.NodeBusy {
		log.Warn().Str("address", a.Address).Msg("node is busy, waiting for its claim to be bound or released")
	}
	return nil
}

func (a *Agent) release(ctx context.Context) {
	if _, err := a.registry.Release(ctx, a.Address); err != nil {
		// draining/unreachable 的节点保持原状态
		log.Info().Err(err).Str("address", a.Address).Msg("node not released")
	}
}

// executeChunk 执行 chunk 并更新状态、上报结果、释放节点
func (a *Agent) executeChunk(ctx context.Context, chunk *model.Chunk) {
	running := chunk.Clone()
	running.Status.State = model.ChunkRunning
	running.Status.StartTime = a.registry.Now()
	if err := a.chunks.CompareAndSwapChunk(ctx, running, model.ChunkScheduled); err != nil {
		// 重复事件或者已经被 master 判超时
		log.Debug().Err(err).Str("chunk", chunk.ID).Msg("chunk not runnable")
		return
	}

	output, runErr := a.executor.Run(ctx, running)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	// 上传日志 (不管成功失败，只要有日志就上传)
	if output != "" {
		if err := a.chunks.SaveChunkLog(finishCtx, chunk.ID, output); err != nil {
			log.Warn().Err(err).Str("chunk", chunk.ID).Msg("failed to save chunk log")
		}
	}

	done := running.Clone()
	now := a.registry.Now()
	requeued := false
	interrupted := runErr != nil && ctx.Err() != nil
	switch {
	case interrupted:
		// worker 自己在退出，不算节点失败
		done.Interrupt("worker shutting down", now)
	case runErr != nil:
		requeued = done.Fail(runErr.Error(), now)
	default:
		done.Status.State = model.ChunkSuccess
		done.Status.Error = ""
		done.Status.EndTime = now
	}

	// master 可能已经判了超时并把节点让给了别的 chunk，这时什么都不能再动
	if err := a.chunks.CompareAndSwapChunk(finishCtx, done, model.ChunkRunning); err != nil {
		log.Warn().Err(err).Str("chunk", chunk.ID).Msg("chunk result discarded")
		return
	}

	switch {
	case interrupted:
		log.Info().Str("chunk", chunk.ID).Msg("chunk interrupted, requeued")
		// 进程要退出了，节点直接下线而不是放回 ready
		if _, err := a.registry.Transition(finishCtx, a.Address, model.NodeBusy, model.NodeUnreachable); err != nil {
			log.Info().Err(err).Str("address", a.Address).Msg("node not marked unreachable")
		}
		return
	case runErr != nil:
		log.Warn().Err(runErr).Str("chunk", chunk.ID).Bool("requeued", requeued).Msg("chunk failed")
		if _, err := a.registry.ReportFailure(finishCtx, a.Address); err != nil {
			log.Warn().Err(err).Msg("failed to report failure")
		}
	default:
		log.Info().Str("chunk", chunk.ID).Msg("chunk finished")
		if _, err := a.registry.ReportSuccess(finishCtx, a.Address, 1); err != nil {
			log.Warn().Err(err).Msg("failed to report success")
		}
	}

	a.release(finishCtx)
}
