package store

import (
	"context"
	"testing"
	"time"

	"hookd/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_NodeStore(t *testing.T) {
	runNodeStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ChunkStore(t *testing.T) {
	runChunkStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	n := newTestNode("10.0.0.9")
	require.NoError(t, s.CreateNode(ctx, n))

	// 修改调用方持有的对象不能影响存储
	n.Score = 100
	got, err := s.GetNode(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Zero(t, got.Score)

	got.Status = model.NodeBusy
	again, err := s.GetNode(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, model.NodeReady, again.Status)
}

func TestMemoryStore_WatchStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	events := s.WatchChunks(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
