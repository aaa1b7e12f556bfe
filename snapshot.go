package dempsy

import "sync/atomic"

// RoutingSnapshot (net.dempsy's ApplicationState) is the immutable,
// point-in-time view of the routing table: for every message type, the
// ordered set of Routers that can place a message of that type, plus the
// live Senders keyed by peer.
//
// Per spec §9's design note, this is published behind an ArcSwap-style
// atomic pointer so readers never observe absence after the first publish
// — Go's atomic.Pointer[T] is exactly that primitive, and the teacher
// already relies on it twice (HashRing.state, Cluster.hostsSnap) for the
// same "immutable snapshot swapped in atomically" shape.
type RoutingSnapshot struct {
	OutboundsByMessageType map[string][]Router
	Senders                map[NodeAddress]*Sender
	Nodes                  map[NodeAddress]NodeInformation
}

// RoutingTable holds the current RoutingSnapshot behind an atomic pointer.
// The zero value has a nil snapshot; Load returns (nil, false) until the
// first successful Reconciler run publishes one.
type RoutingTable struct {
	state atomic.Pointer[RoutingSnapshot]
}

// Load returns the current snapshot. ok is false only before the very
// first successful reconcile — after that, Load never returns an absent
// snapshot, resolving spec §4.3/§4.4's "readers wait on absent" behavior
// into "readers block only before the first successful reconcile."
func (t *RoutingTable) Load() (*RoutingSnapshot, bool) {
	s := t.state.Load()
	return s, s != nil
}

// publish installs a fully-built candidate snapshot. Only called by the
// Reconciler after every construction step (open Senders, compute
// Routers) has succeeded; on any earlier failure the old snapshot is left
// untouched (spec §4.3 step 6's restore-on-failure semantics).
func (t *RoutingTable) publish(snap *RoutingSnapshot) {
	t.state.Store(snap)
}
