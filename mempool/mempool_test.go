package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndNextBatchFIFO(t *testing.T) {
	m := New(4)
	require.NoError(t, m.Submit(context.Background(), []byte("a")))
	require.NoError(t, m.Submit(context.Background(), []byte("b")))

	got, ok := m.NextBatch()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got)

	got, ok = m.NextBatch()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), got)
}

func TestNextBatchEmptyDoesNotBlock(t *testing.T) {
	m := New(4)
	_, ok := m.NextBatch()
	assert.False(t, ok)
}

func TestSubmitBlocksWhenFullUntilContextCanceled(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Submit(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Submit(ctx, []byte("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	m := New(4)
	m.Close()
	err := m.Submit(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrClosed)
}
