package dempsy

import "context"

// Serializer converts between application message values and the opaque
// byte payloads carried inside a RoutedMessage. Implementations must be
// deterministic and self-describing for every type registered with them.
// See package serialize for concrete implementations (gob, msgpack).
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, target any) error
}

// Router maps a keyed message to a destination ContainerAddress. One
// Router exists per downstream cluster that handles a given message type.
// Absent (ok == false) means no placement is currently available for this
// key and the message should be skipped for this Router, not retried.
// See package routing for concrete implementations (round-robin, shard).
type Router interface {
	SelectDestinationForMessage(msg KeyedMessage) (ContainerAddress, bool)
}

// KeyedMessage is the application-visible message handed to the dispatcher:
// a set of message types (a message may satisfy more than one downstream
// cluster's type) plus an opaque routing key and payload.
type KeyedMessage struct {
	MessageTypes []string
	Key          any
	Payload      any
}

// LazyReader wraps a single decoded frame. Onmessage callbacks receive one
// of these; Bytes must be called at most once (deserializing lazily),
// and the underlying buffer is released back to the receiver's pool when
// Close is called. This matches spec §6.3's Listener contract exactly.
type LazyReader interface {
	Bytes() []byte
	Close()
}

// Listener receives every frame decoded by a FramedReceiver connection.
// onMessage must invoke the LazyReader's Bytes/Close at most once each.
type Listener interface {
	OnMessage(reader LazyReader)
}

// StatsCollector is a side-effect-only sink for operational counters.
// See metrics.go for the expvar-backed default and package's Prometheus
// adapter for a richer implementation.
type StatsCollector interface {
	MessageSent()
	MessageNotSent()
	MessageReceived()
	MessageDeserializationFailed()
	FrameCorrupted()
	ReconcileSucceeded()
	ReconcileFailed()
}

// DirMode selects the lifetime semantics of a coordination-directory node,
// mirroring net.dempsy.cluster.ClusterInfoSession.DirMode from
// original_source: PERSISTENT nodes survive session loss; EPHEMERAL nodes
// are removed when the owning session/lease ends; the SEQUENTIAL variants
// additionally append a monotonically increasing suffix to the requested
// path.
type DirMode int

const (
	DirModePersistent DirMode = iota
	DirModeEphemeral
	DirModePersistentSequential
	DirModeEphemeralSequential
)

// WatchFunc is invoked at most once per watch registration when the
// watched path changes; per spec §6.2, watches are one-shot and must be
// re-registered by the consumer after each fire.
type WatchFunc func()

// CoordinationSession is the directory service contract external to this
// module (spec §6.2): a hierarchical namespace with primitive operations,
// consumed by the RoutingTableReconciler to discover live nodes and their
// published NodeInformation. See package coordination/etcd and
// coordination/local for concrete implementations.
type CoordinationSession interface {
	MkdirRecursive(ctx context.Context, path string, mode DirMode) error
	GetSubdirs(ctx context.Context, path string, watch WatchFunc) ([]string, error)
	GetData(ctx context.Context, path string, watch WatchFunc) ([]byte, error)
	SetData(ctx context.Context, path string, data []byte) error
	Close() error
}

// NodesDirPath is the standard path under which each node publishes its
// NodeInformation blob (spec §6.2: "<root>/nodes/<nodeId>").
func NodesDirPath(root string) string {
	return root + "/nodes"
}

func NodePath(root, nodeID string) string {
	return NodesDirPath(root) + "/" + nodeID
}
