package routing

import (
	"sync/atomic"

	"github.com/mgrinshpon/dempsy"
)

// RoundRobin is a Router that cycles through a fixed set of container
// members, distributing load evenly without regard to message key. A
// working default so the selection-policy contract always has at least
// one live tenant even before a keyed strategy is configured.
type RoundRobin struct {
	members []dempsy.ContainerAddress
	next    atomic.Uint64
}

// NewRoundRobin builds a RoundRobin Router over members; it is itself a
// router factory suitable for dempsy.ReconcilerConfig.NewRouter.
func NewRoundRobin(_ dempsy.ClusterId, members []dempsy.ContainerAddress) dempsy.Router {
	cp := make([]dempsy.ContainerAddress, len(members))
	copy(cp, members)
	return &RoundRobin{members: cp}
}

// SelectDestinationForMessage ignores msg.Key entirely and returns the
// next member in rotation. ok is false only when the cluster currently
// has no members.
func (r *RoundRobin) SelectDestinationForMessage(_ dempsy.KeyedMessage) (dempsy.ContainerAddress, bool) {
	n := len(r.members)
	if n == 0 {
		return dempsy.ContainerAddress{}, false
	}
	idx := int(r.next.Add(1)-1) % n
	return r.members[idx], true
}
