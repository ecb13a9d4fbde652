package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := New[int](0)
	defer c.Stop()

	c.Set("a", 1)
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[string](0)
	defer c.Stop()

	c.SetTTL("k", "v", 10*time.Millisecond)
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New[string](0)
	defer c.Stop()

	c.SetTTL("k", "v", 0)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestSweeperEvicts(t *testing.T) {
	c := New[int](5 * time.Millisecond)
	defer c.Stop()

	c.SetTTL("gone", 1, time.Millisecond)
	c.Set("kept", 2)

	assert.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Get("kept")
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	c := New[int](0)
	defer c.Stop()

	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}
