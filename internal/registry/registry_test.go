package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hookd/pkg/model"
	"hookd/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	ids := 0
	return New(store.NewMemoryStore(),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("node-%d", ids)
		}),
	)
}

func TestInsert_Defaults(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	n, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", n.ID)
	assert.Equal(t, "10.0.0.1", n.Address)
	assert.Equal(t, model.NodeReady, n.Status)
	assert.Zero(t, n.Score)
	assert.Zero(t, n.ChunksProcessed)
	assert.Nil(t, n.LastChunkAt)
	assert.Equal(t, fixedNow, n.CreatedAt)

	byID, err := r.GetByID(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", byID.Address)
}

func TestInsert_RejectsEmptyAddress(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Insert(context.Background(), "")
	assert.Error(t, err)
}

// 重复地址是错误，不是幂等操作；原节点保持原样
func TestInsert_DuplicateAddressIsAnError(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = r.AdjustScore(ctx, "10.0.0.1", 4)
	require.NoError(t, err)

	_, err = r.Insert(ctx, "10.0.0.1")
	require.ErrorIs(t, err, store.ErrDuplicateAddress)

	got, err := r.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.EqualValues(t, 4, got.Score)
}

func TestEnsure_ReturnsExistingNode(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	n, created, err := r.Ensure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := r.Ensure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, n.ID, again.ID)
}

func TestAdjustScore_RoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = r.AdjustScore(ctx, "10.0.0.1", 3)
	require.NoError(t, err)
	n, err := r.AdjustScore(ctx, "10.0.0.1", -1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.Score)
}

func TestMutations_NodeNotFound(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.AdjustScore(ctx, "10.9.9.9", 1)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	_, err = r.IncrementChunks(ctx, "10.9.9.9", 1)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	_, err = r.TouchLastChunk(ctx, "10.9.9.9", fixedNow)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	_, err = r.ReportSuccess(ctx, "10.9.9.9", 1)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	_, err = r.ReportFailure(ctx, "10.9.9.9")
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	assert.ErrorIs(t, r.Remove(ctx, "10.9.9.9"), store.ErrNodeNotFound)
}

func TestIncrementChunks_RejectsNonPositive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	_, err = r.IncrementChunks(ctx, "10.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = r.IncrementChunks(ctx, "10.0.0.1", -2)
	assert.ErrorIs(t, err, ErrInvalidCount)

	n, err := r.IncrementChunks(ctx, "10.0.0.1", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n.ChunksProcessed)
}

func TestReportSuccess(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	n, err := r.ReportSuccess(ctx, "10.0.0.1", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.Score)
	assert.EqualValues(t, 3, n.ChunksProcessed)
	require.NotNil(t, n.LastChunkAt)
	assert.Equal(t, fixedNow, *n.LastChunkAt)

	_, err = r.ReportSuccess(ctx, "10.0.0.1", 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

// countingStore 记录 ReportSuccess 触发了几次存储修改
type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes int
}

func (c *countingStore) count() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *countingStore) AdjustScore(ctx context.Context, address string, delta int64) (*model.Node, error) {
	c.count()
	return c.MemoryStore.AdjustScore(ctx, address, delta)
}

func (c *countingStore) IncrementChunks(ctx context.Context, address string, n int64) (*model.Node, error) {
	c.count()
	return c.MemoryStore.IncrementChunks(ctx, address, n)
}

func (c *countingStore) TouchLastChunk(ctx context.Context, address string, ts time.Time) (*model.Node, error) {
	c.count()
	return c.MemoryStore.TouchLastChunk(ctx, address, ts)
}

func (c *countingStore) RecordSuccess(ctx context.Context, address string, n int64, ts time.Time) (*model.Node, error) {
	c.count()
	return c.MemoryStore.RecordSuccess(ctx, address, n, ts)
}

// 成功上报是一次原子修改，不会出现 score 加了而计数没加的中间状态
func TestReportSuccess_SingleMutation(t *testing.T) {
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	r := New(s, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	n, err := r.ReportSuccess(ctx, "10.0.0.1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, s.writes)
	assert.EqualValues(t, 1, n.Score)
	assert.EqualValues(t, 2, n.ChunksProcessed)
	assert.Equal(t, fixedNow, *n.LastChunkAt)
}

func TestReportFailure_OnlyTouchesScore(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	n, err := r.ReportFailure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.EqualValues(t, -1, n.Score)
	assert.Zero(t, n.ChunksProcessed)
	assert.Nil(t, n.LastChunkAt)
}

// 同一地址并发上报 N 次，score 等于初始值加净增量
func TestFeedback_ConcurrentSameAddress(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = r.AdjustScore(ctx, "10.0.0.1", 7)
	require.NoError(t, err)

	const successes, failures = 60, 25
	var wg sync.WaitGroup
	wg.Add(successes + failures)
	for i := 0; i < successes; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.ReportSuccess(ctx, "10.0.0.1", 1); err != nil {
				t.Errorf("report success: %v", err)
			}
		}()
	}
	for i := 0; i < failures; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.ReportFailure(ctx, "10.0.0.1"); err != nil {
				t.Errorf("report failure: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := r.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.EqualValues(t, 7+successes-failures, n.Score)
	assert.EqualValues(t, successes, n.ChunksProcessed)
}

// 不同地址的并发修改互不丢失
func TestMutations_ConcurrentDistinctAddresses(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const nodes = 10
	for i := 0; i < nodes; i++ {
		_, err := r.Insert(ctx, fmt.Sprintf("10.0.1.%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < nodes; i++ {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				addr := fmt.Sprintf("10.0.1.%d", i)
				if _, err := r.AdjustScore(ctx, addr, int64(i)); err != nil {
					t.Errorf("adjust: %v", err)
				}
				if _, err := r.IncrementChunks(ctx, addr, int64(j+1)); err != nil {
					t.Errorf("increment: %v", err)
				}
			}(i, j)
		}
	}
	wg.Wait()

	for i := 0; i < nodes; i++ {
		n, err := r.Get(ctx, fmt.Sprintf("10.0.1.%d", i))
		require.NoError(t, err)
		assert.EqualValues(t, 10*i, n.Score, "node %d score", i)
		assert.EqualValues(t, 55, n.ChunksProcessed, "node %d chunks", i)
	}
}

func TestClaimAndRelease(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	n, err := r.Claim(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeBusy, n.Status)

	_, err = r.Claim(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	n, err = r.Release(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeReady, n.Status)

	// draining 的节点 release 不会把它拉回 ready
	_, err = r.SetStatus(ctx, "10.0.0.1", model.NodeDraining)
	require.NoError(t, err)
	_, err = r.Release(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, store.ErrStatusConflict)
}

func TestSetStatus_RejectsUnknownStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, "10.0.0.1")
	require.NoError(t, err)

	_, err = r.SetStatus(ctx, "10.0.0.1", model.NodeStatus("sleeping"))
	assert.Error(t, err)
}
