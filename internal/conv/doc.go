// Package conv provides checked integer conversions for on-disk formats.
//
// Node, sub-block and log encodings store lengths and offsets as u32.
// Encoders convert through this package so that an oversized value fails
// with ErrOverflow instead of wrapping silently.
//
// Conversions that are provably safe by domain constraints (loop indices,
// values bounded by an already checked total) use direct casts.
package conv
