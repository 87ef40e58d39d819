package jumpdb

// Default configuration values.
const (
	// DefaultMaxInmemorySize is the maximum number of entries the
	// memtable holds before it is frozen and flushed to a segment.
	DefaultMaxInmemorySize = 1024

	// DefaultPersistSegments controls whether segment files remain on
	// disk after Close.
	DefaultPersistSegments = true

	// DefaultSparseStride is how many entries separate two sampled
	// sparse-index entries in a segment.
	DefaultSparseStride = 100

	// DefaultBloomFPRate is the target false-positive rate each
	// segment's Bloom filter is sized for.
	DefaultBloomFPRate = 0.01

	// DefaultCompactionThreshold is the live segment count above which
	// the compactor merges the registry down to one segment.
	DefaultCompactionThreshold = 4
)

// Config holds the engine's tunable parameters, applied through
// ConfigOption functions.
type Config struct {
	maxInmemorySize     int
	persistSegments     bool
	sparseStride        int
	bloomFPRate         float64
	compactionThreshold int
}

func defaultConfig() Config {
	return Config{
		maxInmemorySize:     DefaultMaxInmemorySize,
		persistSegments:     DefaultPersistSegments,
		sparseStride:        DefaultSparseStride,
		bloomFPRate:         DefaultBloomFPRate,
		compactionThreshold: DefaultCompactionThreshold,
	}
}

// ConfigOption helps to change default engine settings.
type ConfigOption func(*Config)

// WithMaxInmemorySize sets the memtable entry count above which a flush
// is triggered.
func WithMaxInmemorySize(n int) ConfigOption {
	return func(c *Config) {
		if n > 0 {
			c.maxInmemorySize = n
		}
	}
}

// WithPersistSegments controls whether segment files survive Close. When
// false, Close deletes every live segment file: segments are always
// flushed the same way regardless of this setting, and are only removed
// afterward if they weren't meant to be kept.
func WithPersistSegments(persist bool) ConfigOption {
	return func(c *Config) {
		c.persistSegments = persist
	}
}

// WithSparseStride sets how many entries separate sparse-index samples
// in a new segment. Smaller values mean a larger in-memory index and a
// shorter bounded scan per lookup.
func WithSparseStride(stride int) ConfigOption {
	return func(c *Config) {
		if stride >= 1 {
			c.sparseStride = stride
		}
	}
}

// WithBloomFPRate sets the target false-positive rate a new segment's
// Bloom filter is sized for.
func WithBloomFPRate(p float64) ConfigOption {
	return func(c *Config) {
		if p > 0 && p < 1 {
			c.bloomFPRate = p
		}
	}
}

// WithCompactionThreshold sets the live segment count above which
// compaction merges the registry down to one segment.
func WithCompactionThreshold(t int) ConfigOption {
	return func(c *Config) {
		if t >= 2 {
			c.compactionThreshold = t
		}
	}
}
