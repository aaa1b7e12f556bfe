package dempsy

import (
	"log/slog"
	"runtime"
)

// dispatchYieldAttempts bounds the pre-first-ready busy-wait in Dispatch,
// grounded on the teacher's activateActor busy-wait loop around
// activationGate.done in activation.go.
const dispatchYieldAttempts = 1000

// FeedbackLoop delivers a message that resolved to this node's own
// address, short-circuiting the network — grounded on the teacher's
// deliverLocal in-process short-circuit in routing.go.
type FeedbackLoop func(ContainerAddress, KeyedMessage)

// OutgoingDispatcher implements spec §4.4: for each outbound
// KeyedMessage, ask every Router registered for its message types where
// it should go, coalesce results that land on the same node into one
// ContainerAddress, then hand each coalesced address to a Sender (or the
// local FeedbackLoop, if it names this node).
type OutgoingDispatcher struct {
	table  *RoutingTable
	self   NodeAddress
	local  FeedbackLoop
	stats  StatsCollector
	encode func(ContainerAddress, KeyedMessage) ([]byte, error)
}

// NewOutgoingDispatcher constructs a dispatcher reading from table. encode
// marshals msg into the RoutedMessage bytes a Sender will frame and write,
// given the specific destination addr — its ClusterIndexes name exactly
// which containers on that node should receive the message, and must be
// carried into the wire payload (RoutedMessage.ContainerClusters); local
// delivers messages addressed to self without touching the network.
func NewOutgoingDispatcher(table *RoutingTable, self NodeAddress, local FeedbackLoop, stats StatsCollector, encode func(ContainerAddress, KeyedMessage) ([]byte, error)) *OutgoingDispatcher {
	return &OutgoingDispatcher{table: table, self: self, local: local, stats: stats, encode: encode}
}

// Dispatch routes msg to every destination its message types resolve to.
// Never propagates a per-destination failure to the caller — those are
// only recorded via StatsCollector, per spec §7's dispatcher error policy
// — except ErrRoutingNotReady, returned only when the table has never
// once become ready even after the bounded yield-wait. A single
// MessageSent/MessageNotSent is recorded per Dispatch call, not per
// destination: if at least one destination accepted the message, that
// counts as sent even if others failed.
func (d *OutgoingDispatcher) Dispatch(msg KeyedMessage) error {
	snap, ok := d.table.Load()
	if !ok {
		snap, ok = d.awaitFirstSnapshot()
		if !ok {
			return ErrRoutingNotReady
		}
	}

	coalesced := d.resolve(snap, msg)
	if len(coalesced) == 0 {
		if d.stats != nil {
			d.stats.MessageNotSent()
		}
		return nil
	}

	var sentSomewhere bool
	for _, addr := range coalesced {
		if addr.Node.Equal(d.self) {
			if d.local != nil {
				d.local(addr, msg)
			}
			sentSomewhere = true
			continue
		}
		sender, ok := snap.Senders[addr.Node]
		if !ok {
			slog.Warn("dispatch: no sender for resolved node", "node", addr.Node)
			continue
		}
		payload, err := d.encode(addr, msg)
		if err != nil {
			slog.Warn("dispatch: encode failed", "error", err)
			continue
		}
		if err := sender.Send(payload); err != nil {
			continue
		}
		sentSomewhere = true
	}

	if d.stats != nil {
		if sentSomewhere {
			d.stats.MessageSent()
		} else {
			d.stats.MessageNotSent()
		}
	}
	return nil
}

// resolve asks every Router registered for msg's message types where the
// message should go, then coalesces results landing on the same
// NodeAddress into one ContainerAddress with concatenated (not
// deduplicated) cluster indexes — spec §4.4 step 4.
func (d *OutgoingDispatcher) resolve(snap *RoutingSnapshot, msg KeyedMessage) []ContainerAddress {
	byNode := make(map[NodeAddress]*ContainerAddress)
	var order []NodeAddress

	for _, mt := range msg.MessageTypes {
		for _, router := range snap.OutboundsByMessageType[mt] {
			addr, ok := router.SelectDestinationForMessage(msg)
			if !ok {
				continue
			}
			if existing, present := byNode[addr.Node]; present {
				existing.Merge(addr)
				continue
			}
			cp := addr
			byNode[addr.Node] = &cp
			order = append(order, addr.Node)
		}
	}

	out := make([]ContainerAddress, 0, len(order))
	for _, n := range order {
		out = append(out, *byNode[n])
	}
	return out
}

// awaitFirstSnapshot busy-waits (via runtime.Gosched, not a sleep) for the
// table's first publish, capped at dispatchYieldAttempts iterations. Per
// spec §9, once a snapshot has ever been published the table's pointer is
// never nil again, so this path is only ever exercised during node
// startup, before the first successful reconcile.
func (d *OutgoingDispatcher) awaitFirstSnapshot() (*RoutingSnapshot, bool) {
	for i := 0; i < dispatchYieldAttempts; i++ {
		if snap, ok := d.table.Load(); ok {
			return snap, true
		}
		runtime.Gosched()
	}
	return nil, false
}
