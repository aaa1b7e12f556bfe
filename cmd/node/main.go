// Command node runs a single Dempsy message-plane node: it binds a
// FramedReceiver, joins the coordination directory, reconciles a routing
// table against its peers, and dispatches a small synthetic message stream
// to demonstrate the wiring end to end.
//
// Run a node against an in-process directory (testing only; the directory
// lives inside the process, so nodes started as separate processes this
// way do not see each other):
//
//	go run ./cmd/node -addr 127.0.0.1:7000 -cluster c1 -local-dir /tmp/dempsy.sock
//
// Or against a real etcd cluster:
//
//	go run ./cmd/node -addr 127.0.0.1:7000 -cluster c1 -etcd 127.0.0.1:2379
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mgrinshpon/dempsy"
	"github.com/mgrinshpon/dempsy/coordination/etcd"
	"github.com/mgrinshpon/dempsy/coordination/local"
	"github.com/mgrinshpon/dempsy/routing"
	"github.com/mgrinshpon/dempsy/serialize"
)

// localDirs shares a single in-process coordination.Session across every
// node in this process keyed by the -local-dir flag value, so two `-local-dir`
// flags with the same value in one process act as one namespace. Separate
// processes each get their own — -etcd is required for a real multi-process
// deployment.
var localDirs = map[string]*local.Session{}

func localSession(key string) *local.Session {
	if s, ok := localDirs[key]; ok {
		return s
	}
	s := local.NewSession()
	localDirs[key] = s
	return s
}

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "address to bind the receiver on")
	guidFlag := flag.String("guid", "", "this node's identity (default: a generated uuid)")
	app := flag.String("app", "demo-app", "application name for this node's cluster")
	cluster := flag.String("cluster", "c1", "cluster name this node hosts")
	messageType := flag.String("message-type", "greeting", "message type this node's cluster handles")
	root := flag.String("root", "/dempsy", "coordination namespace root")
	etcdEndpoints := flag.String("etcd", "", "comma-separated etcd endpoints (empty: use an in-process directory)")
	localDir := flag.String("local-dir", "default", "in-process coordination namespace key, used only without -etcd")
	serializerName := flag.String("serializer", "gob", "wire serializer: gob or msgpack")
	routerName := flag.String("router", "roundrobin", "routing strategy: roundrobin or shard")
	statsName := flag.String("stats", "expvar", "stats collector: expvar, prometheus, or both")
	publishEvery := flag.Duration("publish-every", 2*time.Second, "interval between synthetic messages sent to this node's own cluster (0 disables)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	dempsy.InitLogger(parseLevel(*logLevel))

	guid := *guidFlag
	if guid == "" {
		guid = uuid.NewString()
	}

	cfg := dempsy.DefaultNodeConfig()

	stats, promHandler := buildStats(*statsName)

	session, closeSession, err := buildSession(*etcdEndpoints, *localDir)
	if err != nil {
		slog.Error("session setup failed", "error", err)
		os.Exit(1)
	}
	defer closeSession()

	var serializer dempsy.Serializer
	switch *serializerName {
	case "gob":
		serializer = serialize.NewGob()
	case "msgpack":
		serializer = serialize.NewMsgpack()
	default:
		slog.Error("unknown serializer", "name", *serializerName)
		os.Exit(1)
	}

	var newRouter dempsy.RouterFactory
	switch *routerName {
	case "roundrobin":
		newRouter = routing.NewRoundRobin
	case "shard":
		newRouter = routing.NewShard
	default:
		slog.Error("unknown router", "name", *routerName)
		os.Exit(1)
	}

	table := &dempsy.RoutingTable{}
	threading := dempsy.NewOrderedPerContainerThreadingModel(cfg, stats)

	listener := &nodeListener{serializer: serializer, threading: threading}
	receiver, err := dempsy.NewFramedReceiver(*addr, cfg.ReaderCount, cfg.MaxMessageSize, listener, stats)
	if err != nil {
		slog.Error("receiver bind failed", "error", err)
		os.Exit(1)
	}

	host, portStr, err := net.SplitHostPort(receiver.Addr())
	if err != nil {
		slog.Error("could not parse bound address", "addr", receiver.Addr(), "error", err)
		os.Exit(1)
	}
	port, _ := strconv.Atoi(portStr)

	self := dempsy.NodeAddress{
		Guid:           guid,
		Host:           host,
		Port:           port,
		SerializerID:   *serializerName,
		MaxMessageSize: cfg.MaxMessageSize,
	}

	clusterID := dempsy.ClusterId{ApplicationName: *app, ClusterName: *cluster}
	selfInfo := dempsy.NodeInformation{
		Node: self,
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			clusterID: {
				Cluster:      clusterID,
				MessageTypes: []string{*messageType},
				Index:        0,
			},
		},
	}

	senderPool := dempsy.NewSenderPool(guid, cfg, stats)

	localFeedback := func(addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) {
		deliverLocally(threading, addr, msg)
	}
	encode := func(addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) ([]byte, error) {
		return encodeRoutedMessage(serializer, addr, msg)
	}
	dispatcher := dempsy.NewOutgoingDispatcher(table, self, localFeedback, stats, encode)

	reconciler := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         *root,
		Self:         selfInfo,
		Session:      session,
		Serializer:   serializer,
		SenderPool:   senderPool,
		NewRouter:    newRouter,
		Stats:        stats,
		RetryTimeout: cfg.RetryTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		receiver.Start()
		return nil
	})
	g.Go(func() error {
		threading.Start()
		return nil
	})
	g.Go(func() error {
		return reconciler.Start(ctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	slog.Info("node started",
		"guid", guid, "addr", receiver.Addr(), "app", *app, "cluster", *cluster,
		"message_type", *messageType, "serializer", *serializerName, "router", *routerName)

	if promHandler != nil {
		go serveMetrics(promHandler)
	}

	if *publishEvery > 0 {
		go publishLoop(ctx, dispatcher, *messageType, guid, *publishEvery)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	reconciler.Stop()
	threading.Close()
	senderPool.Shutdown()
	receiver.Stop()

	if es, ok := stats.(*dempsy.ExpvarStats); ok {
		slog.Info("final counters", "snapshot", es.Snapshot())
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildSession constructs the CoordinationSession this node registers into.
// A comma-separated -etcd flag selects the real backend; otherwise every
// node in the same process sharing -local-dir joins the same in-process
// namespace, which is only useful for single-process demos and tests.
func buildSession(etcdEndpoints, localDirKey string) (dempsy.CoordinationSession, func(), error) {
	if etcdEndpoints == "" {
		s := localSession(localDirKey)
		return s, func() {}, nil
	}
	endpoints := splitCSV(etcdEndpoints)
	s, err := etcd.NewSession(etcd.Config{Endpoints: endpoints})
	if err != nil {
		return nil, nil, fmt.Errorf("etcd session: %w", err)
	}
	return s, func() { s.Close() }, nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// nodeListener adapts FramedReceiver's raw frames into MessageDeliveryJobs
// submitted to the threading model, deserializing lazily on the
// deserialization pool rather than on the Reader goroutine.
type nodeListener struct {
	serializer dempsy.Serializer
	threading  *dempsy.OrderedPerContainerThreadingModel
}

func (l *nodeListener) OnMessage(reader dempsy.LazyReader) {
	job := dempsy.NewMessageDeliveryJob(reader, l.calculate, false)
	job.SetDeliverFunc(deliverMessage)
	l.threading.Submit(job, containerKeyFor)
}

func (l *nodeListener) calculate(payload []byte) ([]dempsy.ContainerJobMetadata, dempsy.RoutedMessage, error) {
	var rm dempsy.RoutedMessage
	if err := l.serializer.Deserialize(payload, &rm); err != nil {
		return nil, dempsy.RoutedMessage{}, fmt.Errorf("%w: %v", dempsy.ErrSerialization, err)
	}
	metas := make([]dempsy.ContainerJobMetadata, len(rm.ContainerClusters))
	for i, idx := range rm.ContainerClusters {
		metas[i] = dempsy.ContainerJobMetadata{ClusterIndex: idx}
	}
	return metas, rm, nil
}

func containerKeyFor(m dempsy.ContainerJobMetadata) any { return m.ClusterIndex }

// deliverMessage is the demo application: it just logs what arrived. A real
// application would register its own function here per cluster index.
func deliverMessage(meta dempsy.ContainerJobMetadata, msg dempsy.RoutedMessage) error {
	slog.Info("received message",
		"cluster_index", meta.ClusterIndex,
		"key", string(msg.Key),
		"payload", string(msg.Payload))
	return nil
}

// deliverLocally short-circuits network delivery for messages this node
// routed to itself: it builds the same RoutedMessage a peer would have
// received over the wire and hands it straight to the threading model.
func deliverLocally(threading *dempsy.OrderedPerContainerThreadingModel, addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) {
	rm := routedMessageFor(addr, msg)
	reader := staticReader{data: nil}
	job := dempsy.NewMessageDeliveryJob(reader, func([]byte) ([]dempsy.ContainerJobMetadata, dempsy.RoutedMessage, error) {
		metas := make([]dempsy.ContainerJobMetadata, len(rm.ContainerClusters))
		for i, idx := range rm.ContainerClusters {
			metas[i] = dempsy.ContainerJobMetadata{ClusterIndex: idx}
		}
		return metas, rm, nil
	}, false)
	job.SetDeliverFunc(deliverMessage)
	threading.Submit(job, containerKeyFor)
}

// staticReader implements dempsy.LazyReader over an already-decoded value,
// used by deliverLocally where there is no wire frame to lazily decode.
type staticReader struct{ data []byte }

func (r staticReader) Bytes() []byte { return r.data }
func (staticReader) Close()          {}

func routedMessageFor(addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) dempsy.RoutedMessage {
	return dempsy.RoutedMessage{
		ContainerClusters: addr.ClusterIndexes,
		Key:               keyBytes(msg.Key),
		Payload:           payloadBytes(msg.Payload),
	}
}

func encodeRoutedMessage(serializer dempsy.Serializer, addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) ([]byte, error) {
	rm := routedMessageFor(addr, msg)
	data, err := serializer.Serialize(rm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dempsy.ErrSerialization, err)
	}
	return data, nil
}

func keyBytes(v any) []byte {
	switch k := v.(type) {
	case []byte:
		return k
	case string:
		return []byte(k)
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(k))
	}
}

func payloadBytes(v any) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case string:
		return []byte(p)
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(p))
	}
}

// publishLoop sends a synthetic greeting to this node's own message type
// every interval, exercising the full dispatch path (including local
// feedback once this node resolves the destination to itself).
func publishLoop(ctx context.Context, dispatcher *dempsy.OutgoingDispatcher, messageType, guid string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			msg := dempsy.KeyedMessage{
				MessageTypes: []string{messageType},
				Key:          fmt.Sprintf("%s-%d", guid, n),
				Payload:      fmt.Sprintf("hello from %s (#%d)", guid, n),
			}
			if err := dispatcher.Dispatch(msg); err != nil && !errors.Is(err, dempsy.ErrRoutingNotReady) {
				slog.Warn("publish dispatch failed", "error", err)
			}
		}
	}
}
