package bucketindex

// config.go defines the internal configuration object and the set of
// functional options that can be passed to New[K,T]. A generic Option is used
// so that callbacks retain full type-safety with respect to the concrete
// value type T and key type K chosen by the caller.
//
// Design notes
// ------------
// • All fields are initialised with sensible defaults in defaultConfig().
// • Options never allocate unless strictly necessary.
// • We hide the struct from the public API: callers can only influence
//   behaviour via Option[K,T]. This guarantees forward compatibility.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/bucketindex/internal/region"
)

// Option is the functional option passed to New. It is generic because some
// options are parameterized over the concrete K/T of the Map they configure.
type Option[K Raw, T any] func(*config[K, T])

// config bundles every knob that influences Map behaviour. All fields are
// immutable once the Map is constructed.
type config[K Raw, T any] struct {
	numBuckets   uint8 // log2 of the bucket count: 2^numBuckets buckets
	maxSearch    uint32
	initialPower uint8
	drives       *region.DriveSet
	registry     *prometheus.Registry
	logger       *zap.Logger
}

func defaultConfig[K Raw, T any](maxBucketsPow2 uint8) *config[K, T] {
	return &config[K, T]{
		numBuckets:   maxBucketsPow2,
		maxSearch:    defaultMaxSearch,
		initialPower: defaultInitialPower,
		logger:       zap.NewNop(),
		registry:     nil, // caller must opt in to metrics
	}
}

const (
	defaultMaxSearch    = 128
	defaultInitialPower = 5 // 32 slots per bucket to start
)

// WithLogger plugs an external zap.Logger. The index never logs on the hot
// path; only slow events (grow, bucket creation, I/O errors) are emitted.
func WithLogger[K Raw, T any](l *zap.Logger) Option[K, T] {
	return func(c *config[K, T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection for the Map instance.
// Passing nil disables metrics (the default).
func WithMetrics[K Raw, T any](reg *prometheus.Registry) Option[K, T] {
	return func(c *config[K, T]) {
		c.registry = reg
	}
}

// WithDrives configures the set of directories buckets round-robin their
// backing files across. If not supplied, New creates a single private
// temporary directory that Close removes entirely.
func WithDrives[K Raw, T any](drives *region.DriveSet) Option[K, T] {
	return func(c *config[K, T]) {
		c.drives = drives
	}
}

// WithMaxSearch overrides the bounded linear-probe window used by both the
// index and data storage layers. Larger windows tolerate more key-clustering
// before forcing a grow, at the cost of slower worst-case lookups.
func WithMaxSearch[K Raw, T any](n uint32) Option[K, T] {
	return func(c *config[K, T]) {
		if n > 0 {
			c.maxSearch = n
		}
	}
}

// WithInitialBucketPower sets the starting index power (2^power slots) each
// bucket is created with on first touch.
func WithInitialBucketPower[K Raw, T any](power uint8) Option[K, T] {
	return func(c *config[K, T]) {
		c.initialPower = power
	}
}

func applyOptions[K Raw, T any](cfg *config[K, T], opts []Option[K, T]) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.numBuckets > 32 {
		return errTooManyBuckets
	}
	return nil
}

var errTooManyBuckets = errors.New("bucketindex: max_buckets_pow2 must be <= 32")
