package signal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetOnEmptyChannelIsNoop(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	require.NotPanics(t, func() {
		channel.Reset()
		channel.Reset()
	})

	_, ok := channel.Peek()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), channel.Generation())
	assert.Zero(t, channel.Violations())
}

func TestWritePeekConsume(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	sink := channel.Reset()

	_, ok := channel.Peek()
	require.False(t, ok)

	require.NoError(t, sink.Write(Success("done")))

	select {
	case <-channel.Changed():
	case <-time.After(time.Second):
		t.Fatal("expected change notification after write")
	}

	peeked, ok := channel.Peek()
	require.True(t, ok)
	assert.Equal(t, "done", peeked.Value)

	again, ok := channel.Peek()
	require.True(t, ok, "peek must not consume")
	assert.Equal(t, peeked, again)

	consumed, ok := channel.Consume()
	require.True(t, ok)
	assert.True(t, consumed.OK())

	_, ok = channel.Peek()
	assert.False(t, ok, "consume must empty the slot")
}

func TestStaleWriteIsDiscardedAfterReset(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	abandoned := channel.Reset()
	current := channel.Reset()

	err := abandoned.Write(Failure(KindComputation, "late result"))
	require.ErrorIs(t, err, ErrStale)

	_, ok := channel.Peek()
	assert.False(t, ok, "stale write must not fill the slot")
	assert.Zero(t, channel.Violations(), "stale writes are not protocol violations")

	require.NoError(t, current.Write(Success("")))
	outcome, ok := channel.Consume()
	require.True(t, ok)
	assert.True(t, outcome.OK())
}

func TestSecondWriteForSameRunIsViolation(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	sink := channel.Reset()

	require.NoError(t, sink.Write(Success("")))
	err := sink.Write(Failure(KindComputation, "second"))
	require.True(t, errors.Is(err, ErrOverwrite))
	assert.Equal(t, 1, channel.Violations())

	outcome, ok := channel.Consume()
	require.True(t, ok)
	assert.True(t, outcome.OK(), "first write wins")

	err = sink.Write(Success("after consume"))
	require.ErrorIs(t, err, ErrOverwrite, "consumed runs still reject additional writes")
	assert.Equal(t, 2, channel.Violations())
}

func TestResetDropsPendingNotification(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	sink := channel.Reset()
	require.NoError(t, sink.Write(Success("")))

	channel.Reset()

	select {
	case <-channel.Changed():
		t.Fatal("notification from previous generation leaked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentWritersOnlyOneAccepted(t *testing.T) {
	t.Parallel()

	channel := NewChannel()
	sink := channel.Reset()

	const writers = 16
	var wg sync.WaitGroup
	accepted := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Write(Success("")); err == nil {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)

	count := 0
	for range accepted {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, writers-1, channel.Violations())
}
