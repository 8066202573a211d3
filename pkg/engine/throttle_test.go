package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenThrottleBoundsConcurrency(t *testing.T) {
	th := NewOpenThrottle(2)

	var current, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Acquire()
			defer th.Release()

			n := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			atomic.AddInt32(&current, -1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen, int32(2))
}

func TestOpenThrottleZeroIsUnbounded(t *testing.T) {
	th := NewOpenThrottle(0)
	th.Acquire()
	th.Acquire()
	th.Release()
	th.Release()
}
