// Package hrw maps client keys to cluster nodes with rendezvous (highest
// random weight) hashing: each membership change perturbs only the keys
// owned by the nodes which joined or left.
package hrw

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Picker assigns keys to a fixed set of node names. Immutable once built;
// rebuild on membership change.
type Picker struct {
	nodes     []string
	signature uint64
}

// New creates a picker over the given node names. Order does not matter.
func New(nodes ...string) *Picker {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)

	h := xxhash.New()
	for _, n := range sorted {
		h.WriteString(n)
		h.WriteString("\x00")
	}
	return &Picker{nodes: sorted, signature: h.Sum64()}
}

// Len returns the number of nodes.
func (p *Picker) Len() int {
	return len(p.nodes)
}

// Nodes returns the sorted member names.
func (p *Picker) Nodes() []string {
	return append([]string(nil), p.nodes...)
}

// Signature identifies the membership set. Two pickers over the same nodes
// produce the same signature; used to detect a desynchronized view.
func (p *Picker) Signature() string {
	return strconv.FormatUint(p.signature, 16)
}

// Get returns the node responsible for the key, or "" if the picker is
// empty.
func (p *Picker) Get(key string) string {
	var best string
	var bestWeight uint64

	for _, node := range p.nodes {
		w := weight(node, key)
		if best == "" || w > bestWeight || (w == bestWeight && node < best) {
			best = node
			bestWeight = w
		}
	}
	return best
}

func weight(node, key string) uint64 {
	h := xxhash.New()
	h.WriteString(node)
	h.WriteString("\x00")
	h.WriteString(key)
	return h.Sum64()
}
