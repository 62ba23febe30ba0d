// Package testutil provides testing utilities for fractal.
//
// This package is intended for use in tests and benchmarks only.
// It provides a deterministic RNG, key and value generators and a
// reference model to check containers against.
//
// # Keys and Values
//
//	rng := testutil.NewRNG(seed)
//	keys := rng.RandomKeys(1000, 16) // distinct random keys
//	vals := rng.Values(1000, 100)    // random 100-byte values
//	k := testutil.Key(42)            // "key-0000000042", sorts numerically
//
// # Skewed Workloads
//
//	hot := rng.ZipfIndexes(10_000, len(keys), 1.2) // most picks hit few keys
//
// # Reference Model
//
//	m := testutil.NewModel()
//	m.Put(k, v)
//	want, ok := m.Get(k)
package testutil
