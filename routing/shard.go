package routing

import (
	"fmt"

	"github.com/mgrinshpon/dempsy"
)

// Shard is a Router that places a message by consistent-hashing its key
// directly over the cluster's current ContainerAddress members, via
// HashRing. Membership changes cause a bounded fraction of keys to remap,
// the property that makes consistent hashing preferable to plain modulo
// sharding for this contract.
type Shard struct {
	ring *HashRing
}

// NewShard builds a Shard Router over members; it is itself a router
// factory suitable for dempsy.ReconcilerConfig.NewRouter.
func NewShard(_ dempsy.ClusterId, members []dempsy.ContainerAddress) dempsy.Router {
	ring := NewHashRing()
	ring.Set(members)
	return &Shard{ring: ring}
}

// SelectDestinationForMessage hashes msg.Key (via fmt.Sprint, so any
// comparable/printable key type works) onto the ring. ok is false when the
// cluster currently has no members.
func (s *Shard) SelectDestinationForMessage(msg dempsy.KeyedMessage) (dempsy.ContainerAddress, bool) {
	return s.ring.Lookup(fmt.Sprint(msg.Key))
}
