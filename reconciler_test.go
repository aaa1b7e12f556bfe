package dempsy_test

import (
	"context"
	"testing"
	"time"

	"github.com/mgrinshpon/dempsy"
	"github.com/mgrinshpon/dempsy/coordination/local"
	"github.com/mgrinshpon/dempsy/routing"
	"github.com/mgrinshpon/dempsy/serialize"
)

func waitForSnapshot(t *testing.T, table *dempsy.RoutingTable, timeout time.Duration) *dempsy.RoutingSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if snap, ok := table.Load(); ok {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a published snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconciler_PublishesSelfAndBuildsRouters(t *testing.T) {
	session := local.NewSession()
	gob := serialize.NewGob()

	self := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-a", Host: "127.0.0.1", Port: 5000},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
				Index:        0,
			},
		},
	}

	table := &dempsy.RoutingTable{}
	cfg := dempsy.DefaultNodeConfig()
	pool := dempsy.NewSenderPool(self.Node.Guid, cfg, nil)
	defer pool.Shutdown()

	rec := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         "/dempsy",
		Self:         self,
		Session:      session,
		Serializer:   gob,
		SenderPool:   pool,
		NewRouter:    routing.NewRoundRobin,
		RetryTimeout: 20 * time.Millisecond,
	})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	snap := waitForSnapshot(t, table, 2*time.Second)
	routers, ok := snap.OutboundsByMessageType["typeA"]
	if !ok || len(routers) != 1 {
		t.Fatalf("expected one router for typeA, got %v", routers)
	}
	addr, ok := routers[0].SelectDestinationForMessage(dempsy.KeyedMessage{})
	if !ok {
		t.Fatal("expected a destination")
	}
	if addr.Node.Guid != "node-a" {
		t.Fatalf("destination node = %v, want node-a", addr.Node)
	}
}

func TestReconciler_AdaptorOnlyPeerTrackedButNoRouter(t *testing.T) {
	session := local.NewSession()
	gob := serialize.NewGob()

	self := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-a", Host: "127.0.0.1", Port: 5002},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
			},
		},
	}
	adaptor := dempsy.NodeInformation{
		Node:     dempsy.NodeAddress{Guid: "adaptor-node", Host: "127.0.0.1", Port: 5003},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{},
	}

	// Publish the adaptor-only peer directly, as if a second node had
	// registered itself.
	data, err := gob.Serialize(adaptor)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := session.MkdirRecursive(ctx, dempsy.NodesDirPath("/dempsy"), dempsy.DirModePersistent); err != nil {
		t.Fatal(err)
	}
	adaptorPath := dempsy.NodePath("/dempsy", adaptor.Node.Guid)
	if err := session.MkdirRecursive(ctx, adaptorPath, dempsy.DirModeEphemeral); err != nil {
		t.Fatal(err)
	}
	if err := session.SetData(ctx, adaptorPath, data); err != nil {
		t.Fatal(err)
	}

	table := &dempsy.RoutingTable{}
	cfg := dempsy.DefaultNodeConfig()
	pool := dempsy.NewSenderPool(self.Node.Guid, cfg, nil)
	defer pool.Shutdown()

	rec := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         "/dempsy",
		Self:         self,
		Session:      session,
		Serializer:   gob,
		SenderPool:   pool,
		NewRouter:    routing.NewRoundRobin,
		RetryTimeout: 20 * time.Millisecond,
	})
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	snap := waitForSnapshot(t, table, 2*time.Second)
	if _, ok := snap.Senders[adaptor.Node]; !ok {
		t.Fatal("expected adaptor-only peer to still be tracked as a sender target")
	}
}

func TestReconciler_SnapshotPointerUnchangedWhenDirectoryUnchanged(t *testing.T) {
	session := local.NewSession()
	gob := serialize.NewGob()

	self := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-a", Host: "127.0.0.1", Port: 5010},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
			},
		},
	}

	table := &dempsy.RoutingTable{}
	cfg := dempsy.DefaultNodeConfig()
	pool := dempsy.NewSenderPool(self.Node.Guid, cfg, nil)
	defer pool.Shutdown()

	rec := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         "/dempsy",
		Self:         self,
		Session:      session,
		Serializer:   gob,
		SenderPool:   pool,
		NewRouter:    routing.NewRoundRobin,
		RetryTimeout: 15 * time.Millisecond,
	})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	first := waitForSnapshot(t, table, 2*time.Second)

	// Let several more no-op ticks run with nothing in the directory having
	// changed.
	time.Sleep(150 * time.Millisecond)

	second, ok := table.Load()
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if first != second {
		t.Fatal("expected RoutingTable.Load() to return the identity-equal snapshot pointer across unchanged reconcile cycles")
	}
}

func TestReconciler_SenderIdentityPersistsAcrossAdd(t *testing.T) {
	session := local.NewSession()
	gob := serialize.NewGob()
	ctx := context.Background()

	self := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-a", Host: "127.0.0.1", Port: 5020},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
			},
		},
	}
	peer1 := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-b", Host: "127.0.0.1", Port: 5021},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
				Index:        1,
			},
		},
	}
	peer2 := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-c", Host: "127.0.0.1", Port: 5022},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
				Index:        2,
			},
		},
	}

	registerPeer := func(info dempsy.NodeInformation) {
		t.Helper()
		data, err := gob.Serialize(info)
		if err != nil {
			t.Fatal(err)
		}
		if err := session.MkdirRecursive(ctx, dempsy.NodesDirPath("/dempsy"), dempsy.DirModePersistent); err != nil {
			t.Fatal(err)
		}
		path := dempsy.NodePath("/dempsy", info.Node.Guid)
		if err := session.MkdirRecursive(ctx, path, dempsy.DirModeEphemeral); err != nil {
			t.Fatal(err)
		}
		if err := session.SetData(ctx, path, data); err != nil {
			t.Fatal(err)
		}
	}
	registerPeer(peer1)

	table := &dempsy.RoutingTable{}
	cfg := dempsy.DefaultNodeConfig()
	pool := dempsy.NewSenderPool(self.Node.Guid, cfg, nil)
	defer pool.Shutdown()

	rec := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         "/dempsy",
		Self:         self,
		Session:      session,
		Serializer:   gob,
		SenderPool:   pool,
		NewRouter:    routing.NewRoundRobin,
		RetryTimeout: 20 * time.Millisecond,
	})
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	first := waitForSnapshot(t, table, 2*time.Second)
	peer1Sender, ok := first.Senders[peer1.Node]
	if !ok {
		t.Fatal("expected a sender for peer1 in the first snapshot")
	}

	registerPeer(peer2)
	rec.TriggerReconcile()

	deadline := time.Now().Add(2 * time.Second)
	var second *dempsy.RoutingSnapshot
	for {
		if snap, ok := table.Load(); ok {
			if _, ok := snap.Senders[peer2.Node]; ok {
				second = snap
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for peer2 to appear in a published snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if second == first {
		t.Fatal("expected a new snapshot to be published after peer2 was added")
	}
	if second.Senders[peer1.Node] != peer1Sender {
		t.Fatal("expected peer1's *Sender pointer to persist across the add of peer2")
	}
}

func TestReconciler_StopsSenderForRemovedPeer(t *testing.T) {
	session := local.NewSession()
	gob := serialize.NewGob()
	ctx := context.Background()

	self := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-a", Host: "127.0.0.1", Port: 5030},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
			},
		},
	}
	peer := dempsy.NodeInformation{
		Node: dempsy.NodeAddress{Guid: "node-b", Host: "127.0.0.1", Port: 5031},
		Clusters: map[dempsy.ClusterId]dempsy.ClusterInformation{
			{ApplicationName: "app", ClusterName: "c1"}: {
				Cluster:      dempsy.ClusterId{ApplicationName: "app", ClusterName: "c1"},
				MessageTypes: []string{"typeA"},
				Index:        1,
			},
		},
	}

	peerPath := dempsy.NodePath("/dempsy", peer.Node.Guid)
	data, err := gob.Serialize(peer)
	if err != nil {
		t.Fatal(err)
	}
	if err := session.MkdirRecursive(ctx, dempsy.NodesDirPath("/dempsy"), dempsy.DirModePersistent); err != nil {
		t.Fatal(err)
	}
	if err := session.MkdirRecursive(ctx, peerPath, dempsy.DirModeEphemeral); err != nil {
		t.Fatal(err)
	}
	if err := session.SetData(ctx, peerPath, data); err != nil {
		t.Fatal(err)
	}

	table := &dempsy.RoutingTable{}
	cfg := dempsy.DefaultNodeConfig()
	pool := dempsy.NewSenderPool(self.Node.Guid, cfg, nil)
	defer pool.Shutdown()

	rec := dempsy.NewRoutingTableReconciler(table, dempsy.ReconcilerConfig{
		Root:         "/dempsy",
		Self:         self,
		Session:      session,
		Serializer:   gob,
		SenderPool:   pool,
		NewRouter:    routing.NewRoundRobin,
		RetryTimeout: 20 * time.Millisecond,
	})
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	first := waitForSnapshot(t, table, 2*time.Second)
	peerSender, ok := first.Senders[peer.Node]
	if !ok {
		t.Fatal("expected a sender for peer in the first snapshot")
	}

	// Simulate the peer's coordination session lapsing: its ephemeral entry
	// disappears from the directory.
	session.Delete(peerPath)
	rec.TriggerReconcile()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if snap, ok := table.Load(); ok {
			if _, stillThere := snap.Senders[peer.Node]; !stillThere {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the removed peer to drop out of the published snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := peerSender.Send([]byte("x")); err != dempsy.ErrSenderUnavailable {
		t.Fatalf("expected the removed peer's Sender to have been stopped, got err=%v", err)
	}
}
