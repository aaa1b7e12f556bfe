// Package local implements an in-process dempsy.CoordinationSession for
// tests and single-process standalone deployments, backed by a plain
// hierarchical map instead of an external directory service.
package local

import (
	"context"
	"strings"
	"sync"

	"github.com/mgrinshpon/dempsy"
)

type node struct {
	data     []byte
	mode     dempsy.DirMode
	children map[string]*node
}

func newNode(mode dempsy.DirMode) *node {
	return &node{mode: mode, children: make(map[string]*node)}
}

// Session is a CoordinationSession implementation backed by an in-memory
// tree, guarded by a single mutex. Watches fire synchronously the next
// time SetData/Delete mutates the affected path, then are
// discarded — matching the one-shot, re-register-to-rearm contract of
// spec §6.2.
type Session struct {
	mu   sync.Mutex
	root *node

	dataWatches map[string][]dempsy.WatchFunc
	subWatches  map[string][]dempsy.WatchFunc

	closed bool
}

// NewSession returns a fresh, empty coordination namespace.
func NewSession() *Session {
	return &Session{
		root:        newNode(dempsy.DirModePersistent),
		dataWatches: make(map[string][]dempsy.WatchFunc),
		subWatches:  make(map[string][]dempsy.WatchFunc),
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (s *Session) walk(parts []string, create bool, mode dempsy.DirMode) *node {
	cur := s.root
	for _, p := range parts {
		next, ok := cur.children[p]
		if !ok {
			if !create {
				return nil
			}
			next = newNode(mode)
			cur.children[p] = next
		}
		cur = next
	}
	return cur
}

// MkdirRecursive creates path and every missing ancestor. Ephemeral
// ancestors are never implied by this call; only the leaf node's mode is
// set to mode, matching etcd/ZooKeeper semantics where intermediate
// directories are always persistent.
func (s *Session) MkdirRecursive(_ context.Context, path string, mode dempsy.DirMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := splitPath(path)
	cur := s.root
	for i, p := range parts {
		next, ok := cur.children[p]
		if !ok {
			m := dempsy.DirModePersistent
			if i == len(parts)-1 {
				m = mode
			}
			next = newNode(m)
			cur.children[p] = next
		}
		cur = next
	}
	return nil
}

// GetSubdirs returns the immediate child names of path, registering watch
// to fire once on the next structural change under path.
func (s *Session) GetSubdirs(_ context.Context, path string, watch dempsy.WatchFunc) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.walk(splitPath(path), false, dempsy.DirModePersistent)
	var names []string
	if n != nil {
		for name := range n.children {
			names = append(names, name)
		}
	}
	if watch != nil {
		s.subWatches[path] = append(s.subWatches[path], watch)
	}
	return names, nil
}

// GetData returns the data stored at path, registering watch to fire once
// on the next SetData to that exact path.
func (s *Session) GetData(_ context.Context, path string, watch dempsy.WatchFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watch != nil {
		s.dataWatches[path] = append(s.dataWatches[path], watch)
	}
	n := s.walk(splitPath(path), false, dempsy.DirModePersistent)
	if n == nil {
		return nil, nil
	}
	return n.data, nil
}

// SetData stores data at path, creating it (persistent) if absent, and
// fires any pending watches for that path and its parent's subdir watch.
func (s *Session) SetData(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	parts := splitPath(path)
	n := s.walk(parts, true, dempsy.DirModePersistent)
	n.data = data

	dataWatches := s.dataWatches[path]
	delete(s.dataWatches, path)

	parent := "/" + strings.Join(parts[:max(0, len(parts)-1)], "/")
	subWatches := s.subWatches[parent]
	delete(s.subWatches, parent)
	s.mu.Unlock()

	for _, w := range dataWatches {
		w()
	}
	for _, w := range subWatches {
		w()
	}
	return nil
}

// Delete removes path and everything beneath it, firing any subdir watch
// registered on its parent. This models an ephemeral node's lease expiring
// or its owning session closing — the etcd implementation achieves the
// same effect implicitly when a lease lapses (coordination/etcd/session.go)
// — so tests can simulate a peer leaving the directory without a second
// Session standing in for the peer's own connection.
func (s *Session) Delete(path string) {
	s.mu.Lock()
	parts := splitPath(path)
	if len(parts) == 0 {
		s.mu.Unlock()
		return
	}
	parent := s.walk(parts[:len(parts)-1], false, dempsy.DirModePersistent)
	var subWatches []dempsy.WatchFunc
	if parent != nil {
		delete(parent.children, parts[len(parts)-1])
		parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
		subWatches = s.subWatches[parentPath]
		delete(s.subWatches, parentPath)
	}
	delete(s.dataWatches, path)
	s.mu.Unlock()

	for _, w := range subWatches {
		w()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close is a no-op; the session's tree is process-local memory.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
