package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Bytes returns n random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	r.rand.Read(b)
	return b
}

// Key returns a key that sorts in the order of i.
func Key(i int) []byte {
	return fmt.Appendf(nil, "key-%010d", i)
}

// Keys returns Key(0) to Key(n-1).
func Keys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range n {
		keys[i] = Key(i)
	}
	return keys
}

// RandomKeys returns n distinct random keys of the given length, drawn
// from lowercase letters and digits. Uses a single backing array.
func (r *RNG) RandomKeys(n, length int) [][]byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]byte, n*length)
	keys := make([][]byte, 0, n)
	seen := make(map[string]struct{}, n)
	for len(keys) < n {
		k := data[len(keys)*length : (len(keys)+1)*length]
		for j := range k {
			k[j] = alphabet[r.rand.Intn(len(alphabet))]
		}
		if _, dup := seen[string(k)]; dup {
			continue
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// Values returns n random values of the given size.
// Uses a single backing array.
func (r *RNG) Values(n, size int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]byte, n*size)
	r.rand.Read(data)
	vals := make([][]byte, n)
	for i := range n {
		vals[i] = data[i*size : (i+1)*size : (i+1)*size]
	}
	return vals
}

// Shuffle returns a shuffled copy of keys.
func (r *RNG) Shuffle(keys [][]byte) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(keys)
	r.rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n).
// Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew parameter.
// s=1.0 gives standard Zipf, s=1.5 gives heavy-tail (80/20 rule).
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return zipf(r.rand, harmonic(n, s), n, s)
}

// ZipfIndexes returns count Zipfian-distributed indexes in [0, n). Hot
// keys are the low indexes.
func (r *RNG) ZipfIndexes(count, n int, s float64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	hns := harmonic(n, s)
	out := make([]int, count)
	for i := range out {
		out[i] = zipf(r.rand, hns, n, s)
	}
	return out
}

func harmonic(n int, s float64) float64 {
	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}
	return hns
}

// zipf samples by inverse transform over the harmonic sum hns.
func zipf(rnd *rand.Rand, hns float64, n int, s float64) int {
	if n <= 1 {
		return 0
	}
	u := rnd.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// Model is an in-memory reference of what a container should hold.
// It is safe for concurrent use.
type Model struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{data: make(map[string][]byte)}
}

// Put records value under key.
func (m *Model) Put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = slices.Clone(value)
}

// PutIfAbsent records value unless key is present.
func (m *Model) PutIfAbsent(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[string(key)]; !ok {
		m.data[string(key)] = slices.Clone(value)
	}
}

// Delete removes key.
func (m *Model) Delete(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
}

// Get returns the value of key.
func (m *Model) Get(key []byte) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	return v, ok
}

// Len returns the number of keys.
func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Keys returns the keys in sorted order.
func (m *Model) Keys() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([][]byte, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, func(a, b []byte) int { return slices.Compare(a, b) })
	return keys
}
