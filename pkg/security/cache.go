package security

import (
	"context"
	"sync"
)

// Cache holds per-node resolved grant sets and per-node direct parent-group
// lists in front of the graph store. The two sides are independent: a grant
// mutation invalidates only that node's grant entry, a membership mutation
// invalidates only the child's parent entry. Entries repopulate lazily on
// the next miss; concurrent misses may race to repopulate and the last
// write wins, which is harmless because both derive the same value.
//
// Caches have an explicit lifecycle: constructed at startup, owned by the
// engine, closed at shutdown.
type Cache interface {
	Grants(ctx context.Context, nodeID int64) ([]Permission, bool)
	SetGrants(ctx context.Context, nodeID int64, grants []Permission)
	InvalidateGrants(ctx context.Context, nodeID int64)

	Parents(ctx context.Context, nodeID int64) ([]int64, bool)
	SetParents(ctx context.Context, nodeID int64, parents []int64)
	InvalidateParents(ctx context.Context, nodeID int64)

	Close() error
}

// MemoryCache is the default in-process cache. Each side is guarded by its
// own mutex; operations on grants never block operations on parents.
type MemoryCache struct {
	grantsMu sync.Mutex
	grants   map[int64][]Permission

	parentsMu sync.Mutex
	parents   map[int64][]int64
}

// NewMemoryCache creates an empty in-process permission cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		grants:  make(map[int64][]Permission),
		parents: make(map[int64][]int64),
	}
}

// Grants returns the cached grant set for a node.
func (c *MemoryCache) Grants(_ context.Context, nodeID int64) ([]Permission, bool) {
	c.grantsMu.Lock()
	defer c.grantsMu.Unlock()
	grants, ok := c.grants[nodeID]
	return grants, ok
}

// SetGrants populates a node's grant entry.
func (c *MemoryCache) SetGrants(_ context.Context, nodeID int64, grants []Permission) {
	c.grantsMu.Lock()
	defer c.grantsMu.Unlock()
	c.grants[nodeID] = grants
}

// InvalidateGrants drops a single node's grant entry.
func (c *MemoryCache) InvalidateGrants(_ context.Context, nodeID int64) {
	c.grantsMu.Lock()
	defer c.grantsMu.Unlock()
	delete(c.grants, nodeID)
}

// Parents returns the cached direct parent-group list for a node.
func (c *MemoryCache) Parents(_ context.Context, nodeID int64) ([]int64, bool) {
	c.parentsMu.Lock()
	defer c.parentsMu.Unlock()
	parents, ok := c.parents[nodeID]
	return parents, ok
}

// SetParents populates a node's parent entry.
func (c *MemoryCache) SetParents(_ context.Context, nodeID int64, parents []int64) {
	c.parentsMu.Lock()
	defer c.parentsMu.Unlock()
	c.parents[nodeID] = parents
}

// InvalidateParents drops a single node's parent entry.
func (c *MemoryCache) InvalidateParents(_ context.Context, nodeID int64) {
	c.parentsMu.Lock()
	defer c.parentsMu.Unlock()
	delete(c.parents, nodeID)
}

// Close releases the cache.
func (c *MemoryCache) Close() error {
	return nil
}
