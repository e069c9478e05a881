package rpcgate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_AdmissionCapNeverExceeded(t *testing.T) {
	c := NewController(2, 0)
	var inFlight int32
	var maxObserved int32
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func() {
			release, err := c.Acquire(context.Background(), false)
			require.NoError(t, err)
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.LessOrEqual(t, int(maxObserved), 2)
}

func TestController_HeadBlockSpacing(t *testing.T) {
	c := NewController(8, 50*time.Millisecond)

	release, err := c.Acquire(context.Background(), true)
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = c.Acquire(context.Background(), true)
	require.NoError(t, err)
	release()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestController_AcquireRespectsContextCancellation(t *testing.T) {
	c := NewController(1, 0)
	release, err := c.Acquire(context.Background(), false)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, false)
	assert.Error(t, err)
}
