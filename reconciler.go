package dempsy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RouterFactory builds a Router for one cluster from the set of
// ContainerAddresses currently advertising that cluster. Concrete
// implementations live in package routing (round-robin, consistent-hash
// shard).
type RouterFactory func(cluster ClusterId, members []ContainerAddress) Router

// ReconcilerConfig configures a RoutingTableReconciler.
type ReconcilerConfig struct {
	// Root is the coordination namespace root under which nodes publish
	// themselves (spec §6.2: "<root>/nodes/<nodeId>").
	Root string

	// Self is this node's own published information; Start registers it
	// under an ephemeral directory entry so peers discover it.
	Self NodeInformation

	Session    CoordinationSession
	Serializer Serializer
	SenderPool *SenderPool
	NewRouter  RouterFactory
	Stats      StatsCollector

	// RetryTimeout is both the periodic reconcile interval and the delay
	// before retrying after a failed cycle (spec §4.3 step 6). Default
	// 500ms via DefaultNodeConfig.
	RetryTimeout time.Duration
}

// RoutingTableReconciler is the persistent, self-rescheduling task that
// keeps a RoutingTable's published snapshot in sync with the coordination
// directory. Grounded on the teacher's renewLoop/pollLoop pattern in
// cluster.go (ticker + done channel select loop), generalized to also
// support edge-triggered re-runs from a directory watch firing — the
// single-slot signal idiom from original_source's PersistentTask/
// watch-republish design.
//
// "At most one execution in flight" falls out structurally: reconcileOnce
// only ever runs on the single run() goroutine. Concurrent triggers
// (ticker tick racing a watch fire) collapse into one pending run because
// wake is a capacity-1 channel — a second signal while one is already
// buffered is simply dropped, exactly the semantics spec §4.3 asks for.
type RoutingTableReconciler struct {
	cfg   ReconcilerConfig
	table *RoutingTable

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
}

// NewRoutingTableReconciler constructs a reconciler that publishes into
// table. Call Start to register this node and begin reconciling.
func NewRoutingTableReconciler(table *RoutingTable, cfg ReconcilerConfig) *RoutingTableReconciler {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 500 * time.Millisecond
	}
	return &RoutingTableReconciler{
		cfg:   cfg,
		table: table,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start publishes this node's NodeInformation into the coordination
// directory and begins the reconcile loop. Returns ErrCoordination if
// directory setup fails, or ErrSerialization if Self cannot be marshaled.
func (r *RoutingTableReconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	nodesDir := NodesDirPath(r.cfg.Root)
	if err := r.cfg.Session.MkdirRecursive(ctx, nodesDir, DirModePersistent); err != nil {
		return fmt.Errorf("%w: mkdir nodes dir: %v", ErrCoordination, err)
	}

	data, err := r.cfg.Serializer.Serialize(r.cfg.Self)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	selfPath := NodePath(r.cfg.Root, r.cfg.Self.Node.Guid)
	if err := r.cfg.Session.MkdirRecursive(ctx, selfPath, DirModeEphemeral); err != nil {
		return fmt.Errorf("%w: mkdir self node: %v", ErrCoordination, err)
	}
	if err := r.cfg.Session.SetData(ctx, selfPath, data); err != nil {
		return fmt.Errorf("%w: publish self: %v", ErrCoordination, err)
	}

	r.wg.Add(1)
	go r.run(ctx)
	r.TriggerReconcile()
	return nil
}

// Stop terminates the reconcile loop. Idempotent.
func (r *RoutingTableReconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// TriggerReconcile requests an out-of-band reconcile, coalescing with any
// already-pending trigger.
func (r *RoutingTableReconciler) TriggerReconcile() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RoutingTableReconciler) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RetryTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		case <-r.wake:
		}
		r.reconcileOnce(ctx)
	}
}

// onWatch is passed to GetSubdirs/GetData as the one-shot watch callback;
// firing it schedules another reconcile, which re-registers a fresh watch
// for the next cycle (spec §6.2: "one-shot watches re-registered by the
// consumer after each fire").
func (r *RoutingTableReconciler) onWatch() {
	r.TriggerReconcile()
}

// reconcileOnce builds a candidate RoutingSnapshot off to the side and
// only publishes it if every step succeeds and the resulting directory
// actually differs from what's already published (see diffDirectory). On
// any error the old snapshot is left untouched, the error is logged, and
// the next tick retries (spec §4.3 step 6's restore-on-failure semantics).
// On an unchanged directory the old snapshot is left in place too, so
// RoutingTable.Load() keeps returning the same *RoutingSnapshot pointer
// across quiet cycles instead of a fresh, equal-but-distinct one.
func (r *RoutingTableReconciler) reconcileOnce(ctx context.Context) {
	nodesDir := NodesDirPath(r.cfg.Root)
	ids, err := r.cfg.Session.GetSubdirs(ctx, nodesDir, r.onWatch)
	if err != nil {
		slog.Warn("reconcile: list nodes failed", "error", err)
		r.recordFailure()
		return
	}

	candidates := make(map[NodeAddress]NodeInformation, len(ids))
	seenGuids := make(map[string]struct{}, len(ids))
	duplicateWarned := false

	for _, id := range ids {
		path := NodePath(r.cfg.Root, id)
		data, err := r.cfg.Session.GetData(ctx, path, r.onWatch)
		if err != nil {
			slog.Warn("reconcile: read node data failed", "node", id, "error", err)
			r.recordFailure()
			return
		}
		var info NodeInformation
		if err := r.cfg.Serializer.Deserialize(data, &info); err != nil {
			slog.Warn("reconcile: decode node data failed", "node", id, "error", err)
			r.recordFailure()
			return
		}
		if _, dup := seenGuids[info.Node.Guid]; dup {
			if !duplicateWarned {
				slog.Warn("reconcile: duplicate node registration", "guid", info.Node.Guid)
				duplicateWarned = true
			}
			continue
		}
		seenGuids[info.Node.Guid] = struct{}{}
		candidates[info.Node] = info
	}

	senders := make(map[NodeAddress]*Sender, len(candidates))
	for addr := range candidates {
		if addr.Equal(r.cfg.Self.Node) {
			continue
		}
		senders[addr] = r.cfg.SenderPool.Get(addr)
	}

	clusterMembers := map[ClusterId][]ContainerAddress{}
	clusterMessageTypes := map[ClusterId][]string{}
	for addr, info := range candidates {
		// Adaptor-only nodes (no clusters) contribute no Router but are
		// still tracked above as live Sender targets — see
		// NodeInformation.IsAdaptorOnly and original_source's
		// RoutingStrategyManager, which keeps wanting to know such nodes
		// exist for direct/adaptor sends.
		if info.IsAdaptorOnly() {
			continue
		}
		for cid, ci := range info.Clusters {
			clusterMembers[cid] = append(clusterMembers[cid], ContainerAddress{
				Node:           addr,
				ClusterIndexes: []int{ci.Index},
			})
			clusterMessageTypes[cid] = appendMissing(clusterMessageTypes[cid], ci.MessageTypes...)
		}
	}

	byType := map[string][]Router{}
	for cid, members := range clusterMembers {
		router := r.cfg.NewRouter(cid, members)
		for _, mt := range clusterMessageTypes[cid] {
			byType[mt] = append(byType[mt], router)
		}
	}

	candidate := &RoutingSnapshot{
		OutboundsByMessageType: byType,
		Senders:                senders,
		Nodes:                  candidates,
	}

	// Only publish a new snapshot when the directory actually moved (spec
	// §4.3 steps 3-4). Skipping the store on a no-op cycle is what makes
	// RoutingTable.Load() return the identity-equal snapshot pointer across
	// unchanged reconciles, the way callers holding onto a *RoutingSnapshot
	// expect. Grounded on the teacher's cluster.go pollHosts, which likewise
	// compares the previous and current member sets before deciding whether
	// there is anything to republish, rather than always overwriting.
	if old, hadPrevious := r.table.Load(); hadPrevious {
		added, removed, changed, unchanged := diffDirectory(old.Nodes, candidates)
		if unchanged {
			if r.cfg.Stats != nil {
				r.cfg.Stats.ReconcileSucceeded()
			}
			return
		}
		slog.Info("reconcile: directory changed", "added", added, "removed", removed, "changed", changed)
		r.stopRemovedSenders(old.Nodes, removed)
	}

	r.table.publish(candidate)
	if r.cfg.Stats != nil {
		r.cfg.Stats.ReconcileSucceeded()
	}
}

// diffDirectory reports which node guids were added, removed, or changed
// content between two directory snapshots, plus whether the two are
// otherwise identical. Comparison is by guid plus a canonical digest of
// each node's published cluster set, not reflect.DeepEqual over the whole
// map — the same "compare a canonicalized, sorted view" idiom the
// teacher's pollHosts uses when deciding whether its own member list
// changed, generalized here to also say *which* members differ instead of
// only whether any did.
func diffDirectory(old, candidate map[NodeAddress]NodeInformation) (added, removed, changed []string, unchanged bool) {
	oldDigest := make(map[string]string, len(old))
	for addr, info := range old {
		oldDigest[addr.Guid] = nodeInfoDigest(info)
	}
	newDigest := make(map[string]string, len(candidate))
	for addr, info := range candidate {
		newDigest[addr.Guid] = nodeInfoDigest(info)
	}

	for guid := range newDigest {
		if _, ok := oldDigest[guid]; !ok {
			added = append(added, guid)
		}
	}
	for guid := range oldDigest {
		if _, ok := newDigest[guid]; !ok {
			removed = append(removed, guid)
		}
	}
	for guid, nd := range newDigest {
		if od, ok := oldDigest[guid]; ok && od != nd {
			changed = append(changed, guid)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	unchanged = len(added) == 0 && len(removed) == 0 && len(changed) == 0
	return added, removed, changed, unchanged
}

// nodeInfoDigest builds a deterministic string summarizing everything about
// info that matters to routing: its cluster set, each cluster's message
// types and container index, and its strategy metadata. Two NodeInformation
// values that publish the same digest are routing-equivalent even if the
// underlying maps were rebuilt from a fresh directory read.
func nodeInfoDigest(info NodeInformation) string {
	cids := make([]ClusterId, 0, len(info.Clusters))
	for cid := range info.Clusters {
		cids = append(cids, cid)
	}
	SortClusterIds(cids)

	var b strings.Builder
	for _, cid := range cids {
		ci := info.Clusters[cid]
		mts := append([]string(nil), ci.MessageTypes...)
		sort.Strings(mts)
		fmt.Fprintf(&b, "%s#%d#%s#%x;", cid.String(), ci.Index, strings.Join(mts, ","), ci.StrategyMetadata)
	}
	return b.String()
}

// stopRemovedSenders tears down the Sender for every node guid that
// dropped out of the coordination directory this cycle (spec §3: "On
// replacement, Senders that no longer appear are stopped"; §4.3 step
// 5(c)). Without this, a peer that leaves never has its Sender's writer
// goroutine and TCP connection torn down — the pool would otherwise only
// ever grow.
func (r *RoutingTableReconciler) stopRemovedSenders(oldNodes map[NodeAddress]NodeInformation, removedGuids []string) {
	if len(removedGuids) == 0 {
		return
	}
	removed := make(map[string]struct{}, len(removedGuids))
	for _, guid := range removedGuids {
		removed[guid] = struct{}{}
	}
	for addr := range oldNodes {
		if _, ok := removed[addr.Guid]; ok {
			r.cfg.SenderPool.Stop(addr)
		}
	}
}

func (r *RoutingTableReconciler) recordFailure() {
	if r.cfg.Stats != nil {
		r.cfg.Stats.ReconcileFailed()
	}
}

func appendMissing(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
