package internal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterBroadcastsCount(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", "a@x.com")
	b := newMockConn("b", "b@x.com")

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []int{1, 2}, a.counts(t))
	assert.Equal(t, []int{2}, b.counts(t), "a just-joined client sees the count including itself")
}

func TestRegistry_Deregister(t *testing.T) {
	tests := []struct {
		name      string
		remove    string
		wantOK    bool
		wantCount int
		wantLastA int
	}{
		{name: "known connection", remove: "b", wantOK: true, wantCount: 1, wantLastA: 1},
		{name: "unknown connection is a no-op", remove: "zzz", wantOK: false, wantCount: 2, wantLastA: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, nil)
			a := newMockConn("a", "a@x.com")
			require.NoError(t, r.Register(a))
			require.NoError(t, r.Register(newMockConn("b", "b@x.com")))

			assert.Equal(t, tt.wantOK, r.Deregister(tt.remove))
			assert.Equal(t, tt.wantCount, r.Count())
			counts := a.counts(t)
			assert.Equal(t, tt.wantLastA, counts[len(counts)-1])
		})
	}
}

func TestRegistry_DuplicateConnection(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", "a@x.com")
	require.NoError(t, r.Register(a))

	err := r.Register(newMockConn("a", "other@x.com"))
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []int{1}, a.counts(t), "a rejected add broadcasts nothing")
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	const n = 50
	r := NewRegistry(nil, nil)
	conns := make([]*mockConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = newMockConn(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d@x.com", i))
		wg.Add(1)
		go func(c *mockConn) {
			defer wg.Done()
			assert.NoError(t, r.Register(c))
		}(conns[i])
	}
	wg.Wait()

	assert.Equal(t, n, r.Count())
	for _, c := range conns {
		counts := c.counts(t)
		require.NotEmpty(t, counts, "conn %s got no count", c.ID())
		// the first count a connection sees already includes itself
		assert.GreaterOrEqual(t, counts[0], 1)
		assert.Equal(t, n, counts[len(counts)-1], "conn %s final count", c.ID())
		for i := 1; i < len(counts); i++ {
			assert.Equal(t, counts[i-1]+1, counts[i], "counts must grow one join at a time")
		}
	}
}

func TestRegistry_Users(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(newMockConn("tab1", "a@x.com")))
	require.NoError(t, r.Register(newMockConn("tab2", "a@x.com")))
	require.NoError(t, r.Register(newMockConn("b", "b@x.com")))

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.Users())

	r.Deregister("tab1")
	assert.Equal(t, 2, r.Users())
	r.Deregister("tab2")
	assert.Equal(t, 1, r.Users())
}

func TestRegistry_EvictsFailingPeer(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", "a@x.com")
	slow := newMockConn("slow", "s@x.com")
	require.NoError(t, r.Register(slow))
	slow.mu.Lock()
	slow.sendErr = ErrSendQueueFull
	slow.mu.Unlock()
	require.NoError(t, r.Register(a))

	assert.Eventually(t, func() bool { return r.Count() == 1 && slow.isClosed() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		counts := a.counts(t)
		return len(counts) > 0 && counts[len(counts)-1] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", "a@x.com")
	b := newMockConn("b", "b@x.com")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.CloseAll()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Users())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, []int{1, 2}, a.counts(t), "shutdown does not broadcast counts")
}
