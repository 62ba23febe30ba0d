// Package resource governs the budgets shared by every container of an
// environment.
//
//   - Memory: accounting of cached bytes against a hard cap. Admission is
//     non-blocking and fails fast; growth of already admitted values is
//     charged unconditionally.
//   - Background work: a weighted semaphore limits concurrent clone writes
//     and prefetches.
//   - IO: a token bucket throttles checkpoint and eviction writes so they
//     do not starve foreground reads.
//
// All methods are safe for concurrent use and every method is a no-op on a
// nil *Controller.
package resource
