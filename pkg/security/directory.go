package security

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// nodeKey identifies a node by folded name and class.
type nodeKey struct {
	name  string
	class NodeClass
}

// NodeDirectory resolves (name, class) pairs to stable node ids. Resolved
// ids are cached and never invalidated: nodes are never renamed, so a
// mapping that was once correct stays correct for the node's lifetime.
// Failed lookups are not cached, since the node may be created later.
type NodeDirectory struct {
	store *GraphStore
	ids   *lru.Cache[nodeKey, int64]
}

// DefaultDirectorySize bounds the name→id cache. Node populations are
// small; this is generous.
const DefaultDirectorySize = 16384

// NewNodeDirectory creates a directory over the graph store.
func NewNodeDirectory(store *GraphStore, size int) (*NodeDirectory, error) {
	if size <= 0 {
		size = DefaultDirectorySize
	}
	ids, err := lru.New[nodeKey, int64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create node id cache: %w", err)
	}
	return &NodeDirectory{store: store, ids: ids}, nil
}

// NodeID resolves a node id, consulting the cache first.
func (d *NodeDirectory) NodeID(ctx context.Context, name string, class NodeClass) (int64, error) {
	key := nodeKey{name: FoldName(name), class: class}
	if id, ok := d.ids.Get(key); ok {
		return id, nil
	}
	id, err := d.store.NodeID(ctx, name, class)
	if err != nil {
		return 0, err
	}
	d.ids.Add(key, id)
	return id, nil
}
