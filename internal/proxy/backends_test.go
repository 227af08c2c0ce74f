package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PickLeastLoaded(t *testing.T) {
	p := NewPool([]string{"a:1", "b:2"}, time.Minute)
	first := p.Pick()
	require.NotNil(t, first)
	first.Pin()
	second := p.Pick()
	require.NotNil(t, second)
	assert.NotEqual(t, first.Addr, second.Addr)
}

func TestPool_MarkUnhealthyEjectsUntilCoolDownExpires(t *testing.T) {
	p := NewPool([]string{"a:1"}, 50*time.Millisecond)
	b := p.Pick()
	require.NotNil(t, b)
	p.MarkUnhealthy(b)

	assert.Nil(t, p.Pick())

	time.Sleep(60 * time.Millisecond)
	assert.NotNil(t, p.Pick())
}

func TestPool_SetAddrsPreservesExistingBackendState(t *testing.T) {
	p := NewPool([]string{"a:1"}, time.Minute)
	b := p.Pick()
	p.MarkUnhealthy(b)

	p.SetAddrs([]string{"a:1", "c:3"})
	p.mu.RLock()
	defer p.mu.RUnlock()
	require.Len(t, p.backends, 2)
	for _, backend := range p.backends {
		if backend.Addr == "a:1" {
			backend.mu.Lock()
			healthy := backend.healthy
			backend.mu.Unlock()
			assert.False(t, healthy)
		}
	}
}

func TestPool_PickReturnsNilWhenEmpty(t *testing.T) {
	p := NewPool(nil, time.Minute)
	assert.Nil(t, p.Pick())
}
