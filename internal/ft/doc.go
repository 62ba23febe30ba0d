// Package ft implements the fractal-tree nodes stored in the cachetable.
//
// A node is split by pivot keys into partitions. Leaf partitions are
// basements: sorted leaf entries with the highest MSN they reflect. Internal
// partitions are FIFO message buffers plus the block number of the child
// they feed. Messages enter at the root and move towards the leaves when a
// buffer is flushed. A message whose MSN is not above what a basement or node
// already reflects is ignored, which makes replay idempotent.
//
// Each partition is encoded and compressed independently so the cache can
// evict or fetch one partition without touching the others:
//
//	AVAILABLE  -- partial evict -->  COMPRESSED
//	COMPRESSED -- partial fetch -->  AVAILABLE
//	ON_DISK    -- partial fetch -->  AVAILABLE
//
// Tree wires nodes to a cachetable.Table and a block.Device.
package ft
