// Package etcd implements dempsy.CoordinationSession against a remote
// etcd cluster, grounded on absmach-fluxmq's cluster/etcd.go use of
// go.etcd.io/etcd/client/v3 and its concurrency subpackage for
// lease-backed ephemeral membership.
package etcd

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/mgrinshpon/dempsy"
)

// Config configures a Session.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL backing ephemeral nodes, in seconds.
	// A node's ephemeral entries disappear once this many seconds pass
	// without a lease keep-alive (i.e. the node's process dies).
	SessionTTL int
}

// Session is a CoordinationSession backed by etcd. etcd's key-value
// namespace is flat, so it stands in directly for the hierarchical
// namespace of spec §6.2: a path like "/dempsy/nodes/n1" is just a key
// prefix, and MkdirRecursive only validates the path and remembers its
// mode — etcd
// creates prefixes implicitly on first write under them.
type Session struct {
	client  *clientv3.Client
	session *concurrency.Session

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	// modes remembers which paths were created with DirModeEphemeral(*)
	// so a later SetData knows whether to attach the session's lease.
	// etcd has no directory-node concept to carry this natively.
	modes map[string]dempsy.DirMode
}

// NewSession dials etcd and establishes the lease-backed concurrency
// session used for ephemeral node registration.
func NewSession(cfg Config) (*Session, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial etcd: %v", dempsy.ErrCoordination, err)
	}

	sess, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: concurrency session: %v", dempsy.ErrCoordination, err)
	}

	return &Session{
		client:   client,
		session:  sess,
		watchers: make(map[string]context.CancelFunc),
		modes:    make(map[string]dempsy.DirMode),
	}, nil
}

// MkdirRecursive validates path and remembers mode for it; etcd has no
// directory nodes, so there is nothing to create on the wire beyond what
// the first SetData write under this path implies. Ephemeral mode is
// honored lazily at that SetData call, via the shared concurrency.Session
// lease. The sequential DirMode variants are a documented gap for this
// interface: MkdirRecursive has no way to hand the generated sequential
// suffix back to the caller, so code that needs one must call
// NextSequential directly rather than going through
// dempsy.CoordinationSession generically.
func (s *Session) MkdirRecursive(_ context.Context, path string, mode dempsy.DirMode) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: path must be absolute: %q", dempsy.ErrCoordination, path)
	}
	s.mu.Lock()
	s.modes[path] = mode
	s.mu.Unlock()
	return nil
}

// GetSubdirs lists the immediate key-segment children of path via a
// prefixed range read, then arms a one-shot watch that fires watch on the
// next put/delete under that prefix.
func (s *Session) GetSubdirs(ctx context.Context, dir string, watch dempsy.WatchFunc) ([]string, error) {
	prefix := ensureTrailingSlash(dir)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child == "" {
			continue
		}
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		names = append(names, child)
	}

	s.armWatch(prefix, watch)
	return names, nil
}

// GetData returns the value at path, arming a one-shot watch that fires
// on the next write to that exact key.
func (s *Session) GetData(ctx context.Context, path string, watch dempsy.WatchFunc) ([]byte, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
	}
	var data []byte
	if len(resp.Kvs) > 0 {
		data = resp.Kvs[0].Value
	}
	s.armWatch(path, watch)
	return data, nil
}

// SetData writes data to path. If path was created via MkdirRecursive
// with an ephemeral mode, the write is attached to this Session's lease
// so the key disappears once the lease expires (session lost / process
// died) — the direct etcd analog of an ephemeral znode.
func (s *Session) SetData(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	mode := s.modes[path]
	s.mu.Unlock()

	var opts []clientv3.OpOption
	if mode == dempsy.DirModeEphemeral || mode == dempsy.DirModeEphemeralSequential {
		opts = append(opts, clientv3.WithLease(s.session.Lease()))
	}
	if _, err := s.client.Put(ctx, path, string(data), opts...); err != nil {
		return fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
	}
	return nil
}

// NextSequential implements the PERSISTENT_SEQUENTIAL/EPHEMERAL_SEQUENTIAL
// DirMode variants from original_source's ClusterInfoSession.DirMode:
// etcd has no native sequential-node primitive analogous to ZooKeeper's,
// so a monotonic suffix is produced by a clientv3.Txn-based
// fetch-and-increment on a hidden counter key under prefix. This is a
// documented semantic gap versus ZooKeeper: the counter persists even if
// every sequential node under prefix is later deleted, so sequence
// numbers are monotonic but not densely packed.
func (s *Session) NextSequential(ctx context.Context, prefix string) (string, error) {
	counterKey := path.Join(prefix, ".seq")
	for {
		getResp, err := s.client.Get(ctx, counterKey)
		if err != nil {
			return "", fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
		}
		var next int64 = 1
		var modRev int64
		if len(getResp.Kvs) > 0 {
			modRev = getResp.Kvs[0].ModRevision
			n, err := strconv.ParseInt(string(getResp.Kvs[0].Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("%w: corrupt sequence counter: %v", dempsy.ErrCoordination, err)
			}
			next = n + 1
		}
		nextStr := strconv.FormatInt(next, 10)

		txn := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(counterKey), "=", modRev)).
			Then(clientv3.OpPut(counterKey, nextStr))
		resp, err := txn.Commit()
		if err != nil {
			return "", fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
		}
		if resp.Succeeded {
			return fmt.Sprintf("%s%010d", path.Base(prefix), next), nil
		}
		// lost the race to another writer; retry with the new revision
	}
}

// armWatch cancels any previous watch on key and starts a new one-shot
// watcher that invokes watch exactly once then exits — matching spec
// §6.2's "one-shot, re-registered by the consumer after each fire". A key
// ending in "/" is watched as a prefix; any other key is watched exactly.
func (s *Session) armWatch(key string, watch dempsy.WatchFunc) {
	if watch == nil {
		return
	}
	s.mu.Lock()
	if cancel, ok := s.watchers[key]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watchers[key] = cancel
	s.mu.Unlock()

	go func() {
		var opts []clientv3.OpOption
		if strings.HasSuffix(key, "/") {
			opts = append(opts, clientv3.WithPrefix())
		}
		wch := s.client.Watch(ctx, key, opts...)
		select {
		case _, ok := <-wch:
			if ok {
				watch()
			}
		case <-ctx.Done():
		}
	}()
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Close releases the concurrency session's lease and closes the client.
func (s *Session) Close() error {
	s.mu.Lock()
	for _, cancel := range s.watchers {
		cancel()
	}
	s.watchers = nil
	s.mu.Unlock()

	if err := s.session.Close(); err != nil {
		s.client.Close()
		return fmt.Errorf("%w: %v", dempsy.ErrCoordination, err)
	}
	return s.client.Close()
}
