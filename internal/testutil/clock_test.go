package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_OnlyMovesWhenTold(t *testing.T) {
	c := NewManualClockMillis(1_000)
	assert.Equal(t, int64(1_000), c.Millis())
	assert.Equal(t, int64(1_000), c.Millis())

	c.Advance(time.Second)
	assert.Equal(t, int64(2_000), c.Millis())

	c.Set(time.UnixMilli(500))
	assert.Equal(t, int64(500), c.Millis())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClockMillis(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Millis())
}
