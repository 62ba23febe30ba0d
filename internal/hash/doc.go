// Package hash provides the CRC32-Castagnoli checksums that protect every
// persisted structure: node headers, partition sub-blocks, block headers,
// translation tables and checkpoint log records.
//
// One-shot:
//
//	sum := hash.CRC32C(data)
//
// Incremental, over a header followed by a body:
//
//	sum := hash.Extend(hash.CRC32C(hdr), body)
//
// Go's crc32 package uses SSE4.2 / ARMv8 CRC instructions when available.
package hash
