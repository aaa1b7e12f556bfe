package dempsy

import (
	"log/slog"
	"runtime"
	"time"
)

// Option configures a NodeConfig. Constructed with the With* functions
// below, exactly the functional-options shape the teacher uses for its
// hostConfig/Option pair.
type Option func(*NodeConfig)

// NodeConfig groups the tunables recognized from spec §6.4 plus the
// ambient defaults every subsystem needs (retry timeouts, buffer sizes).
type NodeConfig struct {
	// NetworkInterface names the interface whose first non-loopback IPv4
	// address is used to bind the receiver. Empty means "let the OS pick".
	// Corresponds to receiver.network.if.
	NetworkInterface string

	// MaxPendingLimited is the soft cap on outstanding limited jobs.
	// Corresponds to threading.max_pending. Default 100000.
	MaxPendingLimited int

	// HardShutdown, if true, caps threading model shutdown's wait for the
	// Shuttle at 200ms instead of ShutdownDrainTimeout. Corresponds to
	// threading.hard_shutdown.
	// Default true.
	HardShutdown bool

	// DeserializationThreads is the parallelism of the deserialization
	// pool. Corresponds to threading.deserialization_threads. Default 2.
	DeserializationThreads int

	// ReaderCount is the number of Reader goroutine-groups the receiver
	// spawns. Corresponds to receiver.num_handlers. Default 2.
	ReaderCount int

	// MaxMessageSize bounds a single frame's payload. Corresponds to
	// receiver.max_message_size.
	MaxMessageSize int

	// RetryTimeout is how long the reconciler waits after a directory
	// error before retrying. Default 500ms (spec §4.3 step 6).
	RetryTimeout time.Duration

	// SenderQueueSize bounds each Sender's outbound ring buffer.
	SenderQueueSize int

	// SenderReconnectBackoff is the base backoff between reconnect
	// attempts after a write failure.
	SenderReconnectBackoff time.Duration

	// ShutdownDrainTimeout bounds how long threading-model shutdown waits
	// for the Shuttle to exit before giving up and logging (spec §5: 10s).
	ShutdownDrainTimeout time.Duration

	// LogLevel controls the minimum level for the structured JSON logger.
	LogLevel slog.Level
}

// DefaultNodeConfig returns a NodeConfig populated with spec-mandated
// defaults, mirroring the teacher's defaultHostConfig.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		MaxPendingLimited:      100000,
		HardShutdown:           true,
		DeserializationThreads: 2,
		ReaderCount:            2,
		MaxMessageSize:         1 << 20, // 1MB, implementation-defined per §6.4
		RetryTimeout:           500 * time.Millisecond,
		SenderQueueSize:        1024,
		SenderReconnectBackoff: 250 * time.Millisecond,
		ShutdownDrainTimeout:   10 * time.Second,
		LogLevel:               slog.LevelInfo,
	}
}

func WithNetworkInterface(iface string) Option {
	return func(c *NodeConfig) { c.NetworkInterface = iface }
}

func WithMaxPendingLimited(n int) Option {
	return func(c *NodeConfig) { c.MaxPendingLimited = n }
}

func WithHardShutdown(hard bool) Option {
	return func(c *NodeConfig) { c.HardShutdown = hard }
}

func WithDeserializationThreads(n int) Option {
	if n < 1 {
		n = 1
	}
	return func(c *NodeConfig) { c.DeserializationThreads = n }
}

func WithReaderCount(n int) Option {
	if n < 1 {
		n = 1
	}
	return func(c *NodeConfig) { c.ReaderCount = n }
}

func WithMaxMessageSize(n int) Option {
	return func(c *NodeConfig) { c.MaxMessageSize = n }
}

func WithRetryTimeout(d time.Duration) Option {
	return func(c *NodeConfig) { c.RetryTimeout = d }
}

func WithSenderQueueSize(n int) Option {
	return func(c *NodeConfig) { c.SenderQueueSize = n }
}

func WithSenderReconnectBackoff(d time.Duration) Option {
	return func(c *NodeConfig) { c.SenderReconnectBackoff = d }
}

func WithShutdownDrainTimeout(d time.Duration) Option {
	return func(c *NodeConfig) { c.ShutdownDrainTimeout = d }
}

func WithLogLevel(level slog.Level) Option {
	return func(c *NodeConfig) { c.LogLevel = level }
}

// defaultDeserializationParallelism mirrors the teacher's use of
// runtime.GOMAXPROCS(0) as a sensible worker-count default when the
// caller hasn't set one explicitly. Nothing in this module calls it;
// DefaultNodeConfig sets DeserializationThreads to 2.
func defaultDeserializationParallelism() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 2
}
