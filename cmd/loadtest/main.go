// Command loadtest spins up several Dempsy nodes in one process, wires them
// into a shared in-process coordination namespace, and drives synthetic
// traffic across the mesh to measure dispatch throughput. Grounded in the
// teacher's cmd/loadtest, which does the same thing for actor hosts instead
// of message-plane nodes: presets keyed by name, a startup banner, periodic
// progress reporting, and a final summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mgrinshpon/dempsy"
	"github.com/mgrinshpon/dempsy/coordination/local"
	"github.com/mgrinshpon/dempsy/routing"
	"github.com/mgrinshpon/dempsy/serialize"
)

type profile struct {
	name        string
	nodes       int
	workersEach int
	payloadSize int
}

var profiles = map[string]profile{
	"small":  {name: "small", nodes: 3, workersEach: 4, payloadSize: 64},
	"medium": {name: "medium", nodes: 6, workersEach: 8, payloadSize: 256},
	"large":  {name: "large", nodes: 12, workersEach: 16, payloadSize: 1024},
}

// meshNode bundles one Dempsy node's wired subsystems, mirroring the
// teacher's hostEntry pairing of a *theatre.Host with its display name.
type meshNode struct {
	name       string
	self       dempsy.NodeAddress
	messageType string
	dispatcher *dempsy.OutgoingDispatcher
	threading  *dempsy.OrderedPerContainerThreadingModel
	receiver   *dempsy.FramedReceiver
	senderPool *dempsy.SenderPool
	reconciler *dempsy.RoutingTableReconciler
	stats      *dempsy.ExpvarStats
	received   atomic.Int64
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	nodesFlag := flag.Int("nodes", 0, "number of nodes (overrides profile)")
	workersFlag := flag.Int("workers", 0, "dispatch workers per node (overrides profile)")
	duration := flag.Duration("duration", 15*time.Second, "test duration")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}
	if *nodesFlag > 0 {
		p.nodes = *nodesFlag
	}
	if *workersFlag > 0 {
		p.workersEach = *workersFlag
	}

	dempsy.InitLogger(slog.LevelWarn)

	fmt.Println("dempsy load test")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  nodes:    %d\n", p.nodes)
	fmt.Printf("  workers:  %d per node (x%d = %d total)\n", p.workersEach, p.nodes, p.workersEach*p.nodes)
	fmt.Printf("  payload:  %d bytes\n", p.payloadSize)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Println()

	session := local.NewSession()
	nodes := setupMesh(session, p)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	for _, n := range nodes {
		n.receiver.Start()
		n.threading.Start()
		if err := n.reconciler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "reconciler start failed for %s: %v\n", n.name, err)
			os.Exit(1)
		}
	}

	// Give the reconciler a moment to converge before generating load, so
	// early dispatches don't all pay the awaitFirstSnapshot yield cost.
	time.Sleep(200 * time.Millisecond)

	messageTypes := make([]string, len(nodes))
	for i, n := range nodes {
		messageTypes[i] = n.messageType
	}

	stop := make(chan struct{})
	start := time.Now()
	payload := make([]byte, p.payloadSize)

	var wg sync.WaitGroup
	var totalDispatched atomic.Int64
	for _, n := range nodes {
		for w := 0; w < p.workersEach; w++ {
			wg.Add(1)
			go func(n *meshNode) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					mt := messageTypes[rand.IntN(len(messageTypes))]
					msg := dempsy.KeyedMessage{
						MessageTypes: []string{mt},
						Key:          rand.Int64(),
						Payload:      payload,
					}
					if err := n.dispatcher.Dispatch(msg); err == nil {
						totalDispatched.Add(1)
					}
				}
			}(n)
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(nodes, time.Since(start))
		}
	}()

	select {
	case <-time.After(*duration):
	case <-ctx.Done():
	}
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Println("\n--- stopping nodes ---")
	for _, n := range nodes {
		n.reconciler.Stop()
		n.threading.Close()
		n.senderPool.Shutdown()
		n.receiver.Stop()
	}

	elapsed := time.Since(start)
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:         %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Total dispatched: %d\n", totalDispatched.Load())
	fmt.Printf("  Aggregate RPS:    %.0f\n\n", float64(totalDispatched.Load())/elapsed.Seconds())
	printProgress(nodes, elapsed)
}

// setupMesh builds p.nodes wired Dempsy nodes sharing session, each hosting
// its own single-cluster application, connected over real loopback TCP.
func setupMesh(session *local.Session, p profile) []*meshNode {
	nodes := make([]*meshNode, p.nodes)
	gob := serialize.NewGob()
	cfg := dempsy.DefaultNodeConfig()

	for i := 0; i < p.nodes; i++ {
		guid := fmt.Sprintf("node-%d", i+1)
		stats := dempsy.NewExpvarStats()
		threading := dempsy.NewOrderedPerContainerThreadingModel(cfg, stats)

		n := &meshNode{name: guid, messageType: fmt.Sprintf("type-%d", i+1), threading: threading, stats: stats}

		listener := &meshListener{node: n, serializer: gob}
		receiver, err := dempsy.NewFramedReceiver("127.0.0.1:0", cfg.ReaderCount, cfg.MaxMessageSize, listener, stats)
		if err != nil {
			fmt.Fprintf(os.Stderr, "receiver bind failed: %v\n", err)
			os.Exit(1)
		}
		n.receiver = receiver

		host, portStr, _ := net.SplitHostPort(receiver.Addr())
		port, _ := strconv.Atoi(portStr)
		self := dempsy.NodeAddress{Guid: guid, Host: host, Port: port, MaxMessageSize: cfg.MaxMessageSize}
		n.self = self

		clusterID := dempsy.ClusterId{ApplicationName: "loadtest", ClusterName: fmt.Sprintf("cluster-%d", i+1)}
		info := dempsy.NodeInformation{
			Node: self,
			Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
				clusterID: {Cluster: clusterID, MessageTypes: []string{n.messageType}, Index: 0},
			},
		}

		senderPool := dempsy.NewSenderPool(guid, cfg, stats)
		n.senderPool = senderPool

		table := &dempsy.RoutingTable{}
		feedback := func(addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) { deliverToNode(n, addr, msg) }
		encode := func(addr dempsy.ContainerAddress, msg dempsy.KeyedMessage) ([]byte, error) {
			return gob.Serialize(dempsy.RoutedMessage{
				ContainerClusters: addr.ClusterIndexes,
				Key:               []byte(fmt.Sprint(msg.Key)),
				Payload:           toBytes(msg.Payload),
			})
		}
		n.dispatcher = dempsy.NewOutgoingDispatcher(table, self, feedback, stats, encode)

		n.reconciler = dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
			Root:         "/loadtest",
			Self:         info,
			Session:      session,
			Serializer:   gob,
			SenderPool:   senderPool,
			NewRouter:    routing.NewRoundRobin,
			Stats:        stats,
			RetryTimeout: 200 * time.Millisecond,
		})

		nodes[i] = n
	}
	return nodes
}

// meshListener adapts a node's FramedReceiver frames into MessageDeliveryJobs.
// serializer is shared across every call, matching how a real node's
// listener is constructed once against its one Serializer instance.
type meshListener struct {
	node       *meshNode
	serializer dempsy.Serializer
}

func (l *meshListener) OnMessage(reader dempsy.LazyReader) {
	n := l.node
	job := dempsy.NewMessageDeliveryJob(reader, func(payload []byte) ([]dempsy.ContainerJobMetadata, dempsy.RoutedMessage, error) {
		var rm dempsy.RoutedMessage
		if err := l.serializer.Deserialize(payload, &rm); err != nil {
			return nil, dempsy.RoutedMessage{}, err
		}
		metas := make([]dempsy.ContainerJobMetadata, len(rm.ContainerClusters))
		for i, idx := range rm.ContainerClusters {
			metas[i] = dempsy.ContainerJobMetadata{ClusterIndex: idx}
		}
		return metas, rm, nil
	}, false)
	job.SetDeliverFunc(func(dempsy.ContainerJobMetadata, dempsy.RoutedMessage) error {
		n.received.Add(1)
		return nil
	})
	n.threading.Submit(job, func(m dempsy.ContainerJobMetadata) any { return m.ClusterIndex })
}

func deliverToNode(n *meshNode, addr dempsy.ContainerAddress, _ dempsy.KeyedMessage) {
	job := dempsy.NewMessageDeliveryJob(loadtestStaticReader{}, func([]byte) ([]dempsy.ContainerJobMetadata, dempsy.RoutedMessage, error) {
		metas := make([]dempsy.ContainerJobMetadata, len(addr.ClusterIndexes))
		for i, idx := range addr.ClusterIndexes {
			metas[i] = dempsy.ContainerJobMetadata{ClusterIndex: idx}
		}
		return metas, dempsy.RoutedMessage{ContainerClusters: addr.ClusterIndexes}, nil
	}, false)
	job.SetDeliverFunc(func(dempsy.ContainerJobMetadata, dempsy.RoutedMessage) error {
		n.received.Add(1)
		return nil
	})
	n.threading.Submit(job, func(m dempsy.ContainerJobMetadata) any { return m.ClusterIndex })
}

type loadtestStaticReader struct{}

func (loadtestStaticReader) Bytes() []byte { return nil }
func (loadtestStaticReader) Close()        {}

func toBytes(v any) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}
	return []byte(fmt.Sprint(v))
}

func printProgress(nodes []*meshNode, elapsed time.Duration) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s]\n", elapsed.Truncate(time.Second))
	fmt.Printf("  %-10s %10s %10s %10s %10s\n", "NODE", "SENT", "RECV", "FAILED", "RPS")
	for _, n := range nodes {
		snap := n.stats.Snapshot()
		rps := float64(0)
		if secs > 0 {
			rps = float64(snap["messages_sent"]) / secs
		}
		fmt.Printf("  %-10s %10d %10d %10d %10.0f\n",
			n.name, snap["messages_sent"], n.received.Load(), snap["messages_not_sent"], rps)
	}
	fmt.Println()
}

