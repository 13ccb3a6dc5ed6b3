package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hookd/pkg/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(address string) *model.Node {
	return &model.Node{
		ID:        uuid.NewString(),
		Address:   address,
		Status:    model.NodeReady,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// testAddress 每次运行生成不同地址，外部存储里残留的数据不会互相干扰
func testAddress(t *testing.T, name string) string {
	return fmt.Sprintf("10.%s.%s", uuid.NewString()[:8], name)
}

// runNodeStoreSuite 所有 NodeStore 实现共用的行为测试
func runNodeStoreSuite(t *testing.T, s NodeStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		n := newTestNode(testAddress(t, "create"))
		require.NoError(t, s.CreateNode(ctx, n))

		got, err := s.GetNode(ctx, n.Address)
		require.NoError(t, err)
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, model.NodeReady, got.Status)
		assert.Zero(t, got.Score)
		assert.Zero(t, got.ChunksProcessed)
		assert.Nil(t, got.LastChunkAt)

		byID, err := s.GetNodeByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, n.Address, byID.Address)
	})

	t.Run("DuplicateAddress", func(t *testing.T) {
		addr := testAddress(t, "dup")
		first := newTestNode(addr)
		require.NoError(t, s.CreateNode(ctx, first))

		err := s.CreateNode(ctx, newTestNode(addr))
		assert.ErrorIs(t, err, ErrDuplicateAddress)

		got, err := s.GetNode(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID, "existing node must be left untouched")
	})

	t.Run("NotFound", func(t *testing.T) {
		addr := testAddress(t, "missing")
		_, err := s.GetNode(ctx, addr)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.GetNodeByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.AdjustScore(ctx, addr, 1)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.IncrementChunks(ctx, addr, 1)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.TouchLastChunk(ctx, addr, time.Now())
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.CompareAndSwapStatus(ctx, addr, model.NodeReady, model.NodeBusy)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		assert.ErrorIs(t, s.DeleteNode(ctx, addr), ErrNodeNotFound)
	})

	t.Run("Mutations", func(t *testing.T) {
		n := newTestNode(testAddress(t, "mut"))
		require.NoError(t, s.CreateNode(ctx, n))

		got, err := s.AdjustScore(ctx, n.Address, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 3, got.Score)
		got, err = s.AdjustScore(ctx, n.Address, -1)
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Score)

		got, err = s.IncrementChunks(ctx, n.Address, 4)
		require.NoError(t, err)
		assert.EqualValues(t, 4, got.ChunksProcessed)

		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		got, err = s.TouchLastChunk(ctx, n.Address, ts)
		require.NoError(t, err)
		require.NotNil(t, got.LastChunkAt)
		assert.True(t, ts.Equal(*got.LastChunkAt))

		got, err = s.GetNode(ctx, n.Address)
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Score)
		assert.EqualValues(t, 4, got.ChunksProcessed)
	})

	t.Run("RecordSuccess", func(t *testing.T) {
		n := newTestNode(testAddress(t, "success"))
		require.NoError(t, s.CreateNode(ctx, n))
		_, err := s.AdjustScore(ctx, n.Address, 2)
		require.NoError(t, err)

		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		got, err := s.RecordSuccess(ctx, n.Address, 3, ts)
		require.NoError(t, err)
		assert.EqualValues(t, 3, got.Score)
		assert.EqualValues(t, 3, got.ChunksProcessed)
		require.NotNil(t, got.LastChunkAt)
		assert.True(t, ts.Equal(*got.LastChunkAt))

		_, err = s.RecordSuccess(ctx, testAddress(t, "missing"), 1, ts)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("CompareAndSwapStatus", func(t *testing.T) {
		n := newTestNode(testAddress(t, "cas"))
		require.NoError(t, s.CreateNode(ctx, n))

		got, err := s.CompareAndSwapStatus(ctx, n.Address, model.NodeReady, model.NodeBusy)
		require.NoError(t, err)
		assert.Equal(t, model.NodeBusy, got.Status)

		_, err = s.CompareAndSwapStatus(ctx, n.Address, model.NodeReady, model.NodeBusy)
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err = s.SetStatus(ctx, n.Address, model.NodeDraining)
		require.NoError(t, err)
		assert.Equal(t, model.NodeDraining, got.Status)
	})

	t.Run("ConcurrentAdjustments", func(t *testing.T) {
		n := newTestNode(testAddress(t, "conc"))
		require.NoError(t, s.CreateNode(ctx, n))

		const workers = 20
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer wg.Done()
				delta := int64(1)
				if i%4 == 0 {
					delta = -1
				}
				if _, err := s.AdjustScore(ctx, n.Address, delta); err != nil {
					t.Errorf("adjust score: %v", err)
				}
				if _, err := s.IncrementChunks(ctx, n.Address, 2); err != nil {
					t.Errorf("increment chunks: %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, err := s.GetNode(ctx, n.Address)
		require.NoError(t, err)
		// 5 次 -1，15 次 +1
		assert.EqualValues(t, 10, got.Score)
		assert.EqualValues(t, 2*workers, got.ChunksProcessed)
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		n := newTestNode(testAddress(t, "claim"))
		require.NoError(t, s.CreateNode(ctx, n))

		const racers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			won      int
			conflict int
		)
		wg.Add(racers)
		for i := 0; i < racers; i++ {
			go func() {
				defer wg.Done()
				_, err := s.CompareAndSwapStatus(ctx, n.Address, model.NodeReady, model.NodeBusy)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case assert.ErrorIs(t, err, ErrStatusConflict):
					conflict++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won)
		assert.Equal(t, racers-1, conflict)
	})

	t.Run("Delete", func(t *testing.T) {
		n := newTestNode(testAddress(t, "del"))
		require.NoError(t, s.CreateNode(ctx, n))
		require.NoError(t, s.DeleteNode(ctx, n.Address))

		_, err := s.GetNode(ctx, n.Address)
		assert.ErrorIs(t, err, ErrNodeNotFound)
		_, err = s.GetNodeByID(ctx, n.ID)
		assert.ErrorIs(t, err, ErrNodeNotFound)

		// 删除后同一地址可以重新注册
		require.NoError(t, s.CreateNode(ctx, newTestNode(n.Address)))
	})
}

func runChunkStoreSuite(t *testing.T, s ChunkStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := s.WatchChunks(ctx)

	chunk := &model.Chunk{ID: "chunk-" + uuid.NewString(), Name: "suite"}
	chunk.Spec.Command = []string{"true"}
	require.NoError(t, s.CreateChunk(ctx, chunk))
	assert.ErrorIs(t, s.CreateChunk(ctx, chunk), ErrDuplicateChunk)

	select {
	case ev := <-events:
		assert.Equal(t, ChunkCreate, ev.Type)
		assert.Equal(t, chunk.ID, ev.Chunk.ID)
	case <-ctx.Done():
		t.Fatal("no create event received")
	}

	bound := chunk.Clone()
	bound.Bind("10.0.0.1", time.Now())
	require.NoError(t, s.CompareAndSwapChunk(ctx, bound, model.ChunkPending))
	assert.ErrorIs(t, s.CompareAndSwapChunk(ctx, bound, model.ChunkPending), ErrChunkConflict)

	got, err := s.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkScheduled, got.Status.State)
	assert.Equal(t, "10.0.0.1", got.Status.NodeAddress)
	assert.Equal(t, 1, got.Status.Attempts)

	_, err = s.GetChunk(ctx, "chunk-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrChunkNotFound)

	require.NoError(t, s.SaveChunkLog(ctx, chunk.ID, "hello"))
	logs, err := s.GetChunkLog(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", logs)

	_, err = s.GetChunkLog(ctx, "chunk-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrChunkLogNotFound)
}
