package work

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsFnAndReturnsResult(t *testing.T) {
	p := New(2)
	result, err := Submit(context.Background(), p, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	p := New(1)
	var concurrent int32
	var maxSeen int32
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, func() (int, error) {
			atomic.AddInt32(&concurrent, 1)
			<-release
			atomic.AddInt32(&concurrent, -1)
			return 0, nil
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), p.Len())

	go func() {
		_, _ = Submit(context.Background(), p, func() (int, error) {
			v := atomic.AddInt32(&concurrent, 1)
			if v > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, v)
			}
			atomic.AddInt32(&concurrent, -1)
			return 0, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestSubmit_ContextCancelledBeforeSlotFreesReturnsErr(t *testing.T) {
	p := New(1)
	release := make(chan struct{})

	go func() {
		_, _ = Submit(context.Background(), p, func() (int, error) {
			<-release
			return 0, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Submit(ctx, p, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
