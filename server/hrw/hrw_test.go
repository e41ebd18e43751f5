package hrw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIsStable(t *testing.T) {
	p := New("alpha", "beta", "gamma")
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("client-%d", i)
		assert.Equal(t, p.Get(key), p.Get(key))
	}
}

func TestSignatureIgnoresOrder(t *testing.T) {
	a := New("alpha", "beta", "gamma")
	b := New("gamma", "alpha", "beta")
	assert.Equal(t, a.Signature(), b.Signature())

	c := New("alpha", "beta")
	assert.NotEqual(t, a.Signature(), c.Signature())
}

func TestEmptyPicker(t *testing.T) {
	p := New()
	assert.Equal(t, "", p.Get("anything"))
	assert.Equal(t, 0, p.Len())
}

// Removing one node must only reassign keys that were owned by it.
func TestMinimalDisruption(t *testing.T) {
	before := New("alpha", "beta", "gamma", "delta")
	after := New("alpha", "beta", "delta")

	moved := 0
	total := 1000
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("client-%d", i)
		was := before.Get(key)
		now := after.Get(key)
		if was == "gamma" {
			require.NotEqual(t, "gamma", now)
		} else {
			require.Equal(t, was, now, "key %q moved off a surviving node", key)
		}
		if was != now {
			moved++
		}
	}
	// Roughly 1/4 of the keyspace belonged to the removed node.
	assert.Less(t, moved, total/2)
}

func TestDistribution(t *testing.T) {
	p := New("alpha", "beta", "gamma", "delta")
	counts := make(map[string]int)
	total := 4000
	for i := 0; i < total; i++ {
		counts[p.Get(fmt.Sprintf("client-%d", i))]++
	}
	for node, n := range counts {
		assert.Greater(t, n, total/8, "node %s is starved", node)
	}
}
