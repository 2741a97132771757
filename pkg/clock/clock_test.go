package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	ch := c.After(100 * time.Millisecond)
	assert.Equal(t, 1, c.Waiters())

	// До дедлайна канал молчит
	c.Advance(99 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("ожидание сработало раньше времени")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(100*time.Millisecond), fired)
	default:
		t.Fatal("ожидание не сработало")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestManualImmediateAndBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	select {
	case <-c.After(0):
	default:
		t.Fatal("нулевое ожидание должно срабатывать сразу")
	}

	c.Set(start.Add(-time.Second))
	require.Equal(t, start, c.Now(), "часы не идут назад")
}

func TestSystemClock(t *testing.T) {
	var c Clock = System{}
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("системный таймер не сработал")
	}
}
