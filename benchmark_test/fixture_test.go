package benchmark_test

import (
	"testing"

	"github.com/hupe1980/fractal"
)

const benchSeed = 4711

// OpenBenchContainer opens a fresh environment with one container. Periodic
// checkpoints are off so they do not skew timings.
func OpenBenchContainer(b *testing.B, opts ...fractal.Option) (*fractal.Env, *fractal.Container) {
	b.Helper()
	opts = append([]fractal.Option{
		fractal.WithCheckpointPeriod(0),
		fractal.WithDurability(fractal.DurabilityAsync),
	}, opts...)
	env, err := fractal.Open(b.Context(), b.TempDir(), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = env.Close() })
	c, err := env.OpenContainer(b.Context(), "bench")
	if err != nil {
		b.Fatal(err)
	}
	return env, c
}
