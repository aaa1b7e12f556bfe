package dempsy

import (
	"testing"
)

type fixedRouter struct {
	addr ContainerAddress
	ok   bool
}

func (f fixedRouter) SelectDestinationForMessage(KeyedMessage) (ContainerAddress, bool) {
	return f.addr, f.ok
}

func TestDispatcher_RoutingNotReadyBeforeFirstSnapshot(t *testing.T) {
	table := &RoutingTable{}
	d := NewOutgoingDispatcher(table, NodeAddress{Guid: "self"}, nil, nil, func(ContainerAddress, KeyedMessage) ([]byte, error) { return nil, nil })

	err := d.Dispatch(KeyedMessage{MessageTypes: []string{"t"}})
	if err != ErrRoutingNotReady {
		t.Fatalf("expected ErrRoutingNotReady, got %v", err)
	}
}

// S4 — co-location coalescing: two clusters on the same node collapse
// into one ContainerAddress with concatenated cluster indexes.
func TestDispatcher_S4_CoLocationCoalescing(t *testing.T) {
	table := &RoutingTable{}
	target := NodeAddress{Guid: "peer", Host: "127.0.0.1", Port: 9999}

	table.publish(&RoutingSnapshot{
		OutboundsByMessageType: map[string][]Router{
			"typeA": {fixedRouter{addr: ContainerAddress{Node: target, ClusterIndexes: []int{0}}, ok: true}},
			"typeB": {fixedRouter{addr: ContainerAddress{Node: target, ClusterIndexes: []int{1}}, ok: true}},
		},
		Senders: map[NodeAddress]*Sender{},
	})

	self := NodeAddress{Guid: "self"}
	d := NewOutgoingDispatcher(table, self, nil, nil, func(ContainerAddress, KeyedMessage) ([]byte, error) { return nil, nil })

	coalesced := d.resolve(mustLoad(t, table), KeyedMessage{MessageTypes: []string{"typeA", "typeB"}})
	if len(coalesced) != 1 {
		t.Fatalf("expected 1 coalesced destination, got %d", len(coalesced))
	}
	if coalesced[0].Node != target {
		t.Fatalf("wrong node: %v", coalesced[0].Node)
	}
	want := []int{0, 1}
	got := coalesced[0].ClusterIndexes
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("cluster indexes = %v, want %v", got, want)
	}
}

func TestDispatcher_LocalDeliveryUsesFeedbackLoop(t *testing.T) {
	table := &RoutingTable{}
	self := NodeAddress{Guid: "self"}

	table.publish(&RoutingSnapshot{
		OutboundsByMessageType: map[string][]Router{
			"typeA": {fixedRouter{addr: ContainerAddress{Node: self, ClusterIndexes: []int{0}}, ok: true}},
		},
		Senders: map[NodeAddress]*Sender{},
	})

	var delivered ContainerAddress
	var called bool
	local := func(addr ContainerAddress, _ KeyedMessage) {
		delivered = addr
		called = true
	}
	d := NewOutgoingDispatcher(table, self, local, nil, func(ContainerAddress, KeyedMessage) ([]byte, error) { return nil, nil })

	if err := d.Dispatch(KeyedMessage{MessageTypes: []string{"typeA"}}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected local feedback loop to be invoked")
	}
	if delivered.Node != self {
		t.Fatalf("delivered to %v, want self", delivered.Node)
	}
}

func TestDispatcher_NoRouterMatchIsNotAnError(t *testing.T) {
	table := &RoutingTable{}
	table.publish(&RoutingSnapshot{OutboundsByMessageType: map[string][]Router{}})

	d := NewOutgoingDispatcher(table, NodeAddress{Guid: "self"}, nil, nil, func(ContainerAddress, KeyedMessage) ([]byte, error) { return nil, nil })
	if err := d.Dispatch(KeyedMessage{MessageTypes: []string{"unknown"}}); err != nil {
		t.Fatalf("expected no error for unmatched message type, got %v", err)
	}
}

// countingStats is a minimal StatsCollector that just counts calls, used
// to assert Dispatch's per-call (not per-destination) MessageSent/
// MessageNotSent accounting.
type countingStats struct {
	sent    int
	notSent int
}

func (c *countingStats) MessageSent()                  { c.sent++ }
func (c *countingStats) MessageNotSent()               { c.notSent++ }
func (c *countingStats) MessageReceived()              {}
func (c *countingStats) MessageDeserializationFailed() {}
func (c *countingStats) FrameCorrupted()               {}
func (c *countingStats) ReconcileSucceeded()           {}
func (c *countingStats) ReconcileFailed()              {}

// One destination succeeding among several must count as a single sent,
// never a mix of sent and not-sent for the same Dispatch call (spec.md's
// "if at least one destination accepted, do not record a miss").
func TestDispatcher_PartialFailureCountsAsSentOnce(t *testing.T) {
	table := &RoutingTable{}
	self := NodeAddress{Guid: "self"}
	unreachable := NodeAddress{Guid: "peer-with-no-sender", Host: "127.0.0.1", Port: 9998}

	table.publish(&RoutingSnapshot{
		OutboundsByMessageType: map[string][]Router{
			"typeA": {fixedRouter{addr: ContainerAddress{Node: self, ClusterIndexes: []int{0}}, ok: true}},
			"typeB": {fixedRouter{addr: ContainerAddress{Node: unreachable, ClusterIndexes: []int{0}}, ok: true}},
		},
		Senders: map[NodeAddress]*Sender{}, // no Sender registered for unreachable
	})

	var localCalled bool
	local := func(ContainerAddress, KeyedMessage) { localCalled = true }
	stats := &countingStats{}
	d := NewOutgoingDispatcher(table, self, local, stats, func(ContainerAddress, KeyedMessage) ([]byte, error) { return nil, nil })

	if err := d.Dispatch(KeyedMessage{MessageTypes: []string{"typeA", "typeB"}}); err != nil {
		t.Fatal(err)
	}
	if !localCalled {
		t.Fatal("expected the self destination to be delivered locally")
	}
	if stats.sent != 1 {
		t.Fatalf("MessageSent called %d times, want 1", stats.sent)
	}
	if stats.notSent != 0 {
		t.Fatalf("MessageNotSent called %d times, want 0", stats.notSent)
	}
}

func mustLoad(t *testing.T, table *RoutingTable) *RoutingSnapshot {
	t.Helper()
	snap, ok := table.Load()
	if !ok {
		t.Fatal("expected a published snapshot")
	}
	return snap
}
