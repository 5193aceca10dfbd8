package z

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		throttle := NewThrottle(2)
		var running, peak int32
		for i := 0; i < 20; i++ {
			assert.NoError(t, throttle.Go(func() error {
				current := atomic.AddInt32(&running, 1)
				for {
					seen := atomic.LoadInt32(&peak)
					if current <= seen || atomic.CompareAndSwapInt32(&peak, seen, current) {
						break
					}
				}
				atomic.AddInt32(&running, -1)
				return nil
			}))
		}
		assert.NoError(t, throttle.Finish())
		assert.True(t, atomic.LoadInt32(&peak) <= 2)
	})

	t.Run("error", func(t *testing.T) {
		throttle := NewThrottle(4)
		failure := errors.New("worker failed")
		_ = throttle.Go(func() error {
			return failure
		})
		assert.Equal(t, failure, throttle.Finish())
		assert.Equal(t, failure, throttle.Finish())
	})
}
