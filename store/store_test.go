package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	key := Key{0xaa}
	require.NoError(t, s.Write(key, []byte("hello")))

	val, ok := s.Read(key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), val)
}

func TestReadMissingKey(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, ok := s.Read(Key{0xbb})
	assert.False(t, ok)
}

func TestNotifyReadWakesOnWrite(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	key := Key{0xcc}
	done := make(chan []byte, 1)
	go func() {
		val, err := s.NotifyRead(context.Background(), key)
		if err != nil {
			close(done)
			return
		}
		done <- val
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Write(key, []byte("world")))

	select {
	case val := <-done:
		assert.Equal(t, []byte("world"), val)
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyRead never woke up")
	}
}

func TestNotifyReadMultipleWaitersAllWake(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	key := Key{0xdd}
	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan []byte, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := s.NotifyRead(context.Background(), key)
			if err == nil {
				results <- val
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Write(key, []byte("fanout")))
	wg.Wait()
	close(results)

	count := 0
	for val := range results {
		assert.Equal(t, []byte("fanout"), val)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestNotifyReadTimesOut(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.NotifyRead(ctx, Key{0xee})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifyReadReturnsImmediatelyIfAlreadyWritten(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	key := Key{0xff}
	require.NoError(t, s.Write(key, []byte("already there")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	val, err := s.NotifyRead(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("already there"), val)
}
