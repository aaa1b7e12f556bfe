package routing

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/mgrinshpon/dempsy"
)

const defaultVirtualNodes = 150

// HashRing is a consistent hash ring mapping a message key directly to the
// dempsy.ContainerAddress that should receive it. Adapted from the
// teacher's HashRing (which rings plain host-ID strings for actor
// placement): this ring holds ContainerAddress values as its members
// rather than opaque IDs, so Shard needs no separate id-to-address lookup
// table of its own. Reads are lock-free (atomic pointer load); Set
// rebuilds the ring off to the side and swaps the pointer in, the same
// publish shape RoutingTable.publish uses for the whole routing snapshot.
type HashRing struct {
	state atomic.Pointer[ringState]
}

type ringState struct {
	vnodes  []vnode
	members []dempsy.ContainerAddress // sorted by Node.Guid
}

type vnode struct {
	hash uint64
	addr dempsy.ContainerAddress
}

// NewHashRing returns an empty ring.
func NewHashRing() *HashRing {
	r := &HashRing{}
	r.state.Store(&ringState{})
	return r
}

// Lookup returns the ContainerAddress responsible for key. ok is false
// only when the ring currently has no members.
func (r *HashRing) Lookup(key string) (dempsy.ContainerAddress, bool) {
	s := r.state.Load()
	if len(s.vnodes) == 0 {
		return dempsy.ContainerAddress{}, false
	}
	h := fnvHash64(key)
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].hash >= h
	})
	if idx >= len(s.vnodes) {
		idx = 0 // wrap around
	}
	return s.vnodes[idx].addr, true
}

// Set rebuilds the ring with members. Deterministic: the same membership
// set always produces the same ring regardless of input order, since
// members are sorted by Node.Guid before their virtual nodes are hashed.
func (r *HashRing) Set(members []dempsy.ContainerAddress) {
	sorted := make([]dempsy.ContainerAddress, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Node.Guid < sorted[j].Node.Guid
	})

	var vnodes []vnode
	for _, addr := range sorted {
		for i := 0; i < defaultVirtualNodes; i++ {
			key := addr.Node.Guid + "#" + strconv.Itoa(i)
			vnodes = append(vnodes, vnode{hash: fnvHash64(key), addr: addr})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool {
		return vnodes[i].hash < vnodes[j].hash
	})

	r.state.Store(&ringState{vnodes: vnodes, members: sorted})
}

// Members returns the current member list, sorted by Node.Guid.
func (r *HashRing) Members() []dempsy.ContainerAddress {
	s := r.state.Load()
	out := make([]dempsy.ContainerAddress, len(s.members))
	copy(out, s.members)
	return out
}

// fnvHash64 returns the FNV-1a 64-bit hash of s. Inline implementation
// avoids the allocation from fnv.New64a() and the string→[]byte copy.
func fnvHash64(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
