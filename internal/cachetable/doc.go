// Package cachetable is a shared cache of pairs: values identified by a
// file and a key, fetched and written back through callbacks supplied by the
// owning file.
//
// Callers pin a pair for read or write, use the value, and unpin it. A
// background evictor keeps the accounted size near a configured limit by
// partially evicting warm pairs and fully evicting cold ones. A cleaner
// hands the pair with the largest cache pressure back to its file for
// background work. The checkpointer writes every pair that was dirty when a
// checkpoint began with exactly that state, cloning values so that clients
// can keep modifying them while the checkpoint is being written.
//
// Lock order: Table.cpMu, then Table.opMu, then Table.mu.
package cachetable
