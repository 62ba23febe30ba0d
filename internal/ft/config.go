package ft

import (
	"log/slog"

	"github.com/hupe1980/fractal/internal/compress"
	"github.com/hupe1980/fractal/internal/ule"
	"github.com/hupe1980/fractal/internal/xids"
)

// Config tunes node shape and message handling.
type Config struct {
	// NodeSize is the in-memory size above which a leaf splits.
	NodeSize int
	// BasementSize is the size above which a basement splits.
	BasementSize int
	// MaxFanout is the child count above which an internal node splits.
	MaxFanout int
	// MaxBufferBytes is the buffered message volume above which the root
	// flushes its heaviest child buffer while applying.
	MaxBufferBytes int
	// Compression is the method for newly written partitions.
	Compression compress.Method
	// GC tunes leaf-entry garbage collection.
	GC ule.GCConfig
	// OldestReferenced returns the oldest transaction any live reader may
	// still reference. Nil disables garbage collection on apply.
	OldestReferenced func() xids.TXNID
	// Prefetch warms the root's children when a tree is opened.
	Prefetch bool
	Logger   *slog.Logger
}

// DefaultConfig returns the default node shape.
func DefaultConfig() Config {
	return Config{
		NodeSize:       1 << 20,
		BasementSize:   64 << 10,
		MaxFanout:      16,
		MaxBufferBytes: 256 << 10,
		Compression:    compress.LZ4,
		GC:             ule.DefaultGCConfig(),
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.NodeSize <= 0 {
		c.NodeSize = d.NodeSize
	}
	if c.BasementSize <= 0 {
		c.BasementSize = d.BasementSize
	}
	if c.MaxFanout < 3 {
		c.MaxFanout = d.MaxFanout
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = d.MaxBufferBytes
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}
