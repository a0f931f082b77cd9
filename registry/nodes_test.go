package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	name   string
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestNodeRegistryPutReplaces(t *testing.T) {
	r := NewNodeRegistry[*fakeConn]()
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	_, replaced := r.Put("app@host", first)
	assert.False(t, replaced)

	prev, replaced := r.Put("app@host", second)
	require.True(t, replaced)
	assert.Same(t, first, prev)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("app@host")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestNodeRegistryRemove(t *testing.T) {
	r := NewNodeRegistry[*fakeConn]()
	c := &fakeConn{}
	r.Put("app@host", c)

	_, ok := r.Remove("missing@host")
	assert.False(t, ok)

	got, ok := r.Remove("app@host")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Zero(t, r.Len())
}

func TestNodeRegistryRemoveIf(t *testing.T) {
	r := NewNodeRegistry[*fakeConn]()
	old, cur := &fakeConn{}, &fakeConn{}
	r.Put("app@host", cur)

	assert.False(t, r.RemoveIf("app@host", old))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.RemoveIf("app@host", cur))
	assert.Zero(t, r.Len())
}

func TestNodeRegistryNodesAndCloseAll(t *testing.T) {
	r := NewNodeRegistry[*fakeConn]()
	a, b := &fakeConn{}, &fakeConn{}
	r.Put("b@host", b)
	r.Put("a@host", a)

	assert.Equal(t, []string{"a@host", "b@host"}, r.Nodes())

	r.CloseAll()
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Zero(t, r.Len())
}

func TestNodeRegistryConcurrent(t *testing.T) {
	r := NewNodeRegistry[*fakeConn]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Put("app@host", c)
			r.Get("app@host")
			r.RemoveIf("app@host", c)
			r.Nodes()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 1)
}
