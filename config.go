package rhizome

import (
	"fmt"
	"strconv"
)

// Config holds the resolved, validated configuration for an Engine. Zero
// values of individual fields are replaced by their documented defaults
// when passed to New; this mirrors the "Defaults to N, if 0" idiom used by
// this package's sibling configuration structs (e.g. a batcher's
// MaxSize/FlushInterval), rather than requiring every caller to specify
// every field.
type Config struct {
	// IdleTimeoutMS is the stream-transport idle timeout, re-armed on every
	// read or write that makes progress. Defaults to 5_000, if 0.
	IdleTimeoutMS int64

	// ManifestIdleTimeoutMS is the datagram-transport idle timeout for
	// manifest-by-prefix fetches. Defaults to 2_000, if 0.
	ManifestIdleTimeoutMS int64

	// DatagramIdleTimeoutMS is the datagram-transport idle timeout for
	// payload fetches. Defaults to 5_000, if 0.
	DatagramIdleTimeoutMS int64

	// BlockTxIntervalMS is the retransmission cadence for payload
	// block-requests. Defaults to 133, if 0.
	BlockTxIntervalMS int64

	// ManifestTxIntervalMS is the retransmission cadence for
	// manifest-by-prefix requests. Defaults to 100, if 0.
	ManifestTxIntervalMS int64

	// ActivationDelayMS bounds how long a burst of suggestions may settle
	// into priority order before the engine begins fetching. Defaults to
	// 500, if 0. A negative value means a zero delay: the activation timer
	// is then due at once and fires on the engine's next poll.
	ActivationDelayMS int64

	// DefaultBlockLen is the datagram payload block size, in bytes.
	// Defaults to 200, if 0.
	DefaultBlockLen uint16

	// ImportDir is the absolute filesystem path scratch files are created
	// under. Required, but not checked by New: an empty value makes the
	// first slot activation fail with ErrNoImportDir.
	ImportDir string

	// IgnoreTTLMS is the default ignore-cache suppression window, applied
	// when a manifest fails verification. Defaults to 60_000, if 0.
	IgnoreTTLMS int64

	// Queues describes the size-class queues, in ascending threshold
	// order. Defaults to the reference five-queue configuration, if nil:
	// thresholds 10_000/100_000/1_000_000/10_000_000/unbounded, with
	// capacities 5/4/3/2/1.
	Queues []QueueSpec
}

// QueueSpec describes one size-class queue. Threshold is the payload-length
// upper bound the queue accepts; use QueueUnbounded for the last queue.
type QueueSpec struct {
	Threshold uint64
	Capacity  int
}

// QueueUnbounded marks a QueueSpec as accepting any payload length.
const QueueUnbounded = ^uint64(0)

func defaultQueueSpecs() []QueueSpec {
	return []QueueSpec{
		{Threshold: 10_000, Capacity: 5},
		{Threshold: 100_000, Capacity: 4},
		{Threshold: 1_000_000, Capacity: 3},
		{Threshold: 10_000_000, Capacity: 2},
		{Threshold: QueueUnbounded, Capacity: 1},
	}
}

// configField describes one recognised configuration option: its key (as
// used by rhizome.*-style option sources) and how to parse a string
// override and apply it to the field it resolves to. configSchema lists
// every key ParseOption recognises and is walked on each ParseOption call
// -- a declarative, runtime-schema-walker alternative to driving Config
// from a code-generated or struct-tag-derived source, chosen because the
// option set is small, fixed at compile time, and does not warrant a build
// step. DatagramIdleTimeoutMS and Queues have no key here, and defaults are
// applied separately by withDefaults.
type configField struct {
	key   string
	apply func(c *Config, raw string) error
}

var configSchema = []configField{
	{"rhizome.idle_timeout_ms", parseInt64Field(func(c *Config) *int64 { return &c.IdleTimeoutMS })},
	{"rhizome.manifest_idle_timeout_ms", parseInt64Field(func(c *Config) *int64 { return &c.ManifestIdleTimeoutMS })},
	{"rhizome.block_tx_interval_ms", parseInt64Field(func(c *Config) *int64 { return &c.BlockTxIntervalMS })},
	{"rhizome.manifest_tx_interval_ms", parseInt64Field(func(c *Config) *int64 { return &c.ManifestTxIntervalMS })},
	{"rhizome.activation_delay_ms", parseInt64Field(func(c *Config) *int64 { return &c.ActivationDelayMS })},
	{"rhizome.default_block_len", func(c *Config, raw string) error {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return fmt.Errorf("rhizome: default_block_len: %w", err)
		}
		c.DefaultBlockLen = uint16(v)
		return nil
	}},
	{"rhizome.import_dir", func(c *Config, raw string) error {
		c.ImportDir = raw
		return nil
	}},
	{"rhizome.ignore_ttl_ms", parseInt64Field(func(c *Config) *int64 { return &c.IgnoreTTLMS })},
}

func parseInt64Field(field func(c *Config) *int64) func(c *Config, raw string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("rhizome: %w", err)
		}
		*field(c) = v
		return nil
	}
}

// ParseOption applies a single "rhizome.*"-style key/value override to c,
// using configSchema. Unrecognised keys are ignored, so callers may walk a
// shared configuration file containing options for other subsystems.
func (c *Config) ParseOption(key, value string) error {
	for _, f := range configSchema {
		if f.key == key {
			return f.apply(c, value)
		}
	}
	return nil
}

// withDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults, and validates the result.
func (c Config) withDefaults() (Config, error) {
	if c.IdleTimeoutMS == 0 {
		c.IdleTimeoutMS = 5_000
	}
	if c.ManifestIdleTimeoutMS == 0 {
		c.ManifestIdleTimeoutMS = 2_000
	}
	if c.DatagramIdleTimeoutMS == 0 {
		c.DatagramIdleTimeoutMS = 5_000
	}
	if c.BlockTxIntervalMS == 0 {
		c.BlockTxIntervalMS = 133
	}
	if c.ManifestTxIntervalMS == 0 {
		c.ManifestTxIntervalMS = 100
	}
	if c.ActivationDelayMS == 0 {
		c.ActivationDelayMS = 500
	}
	if c.DefaultBlockLen == 0 {
		c.DefaultBlockLen = 200
	}
	if c.IgnoreTTLMS == 0 {
		c.IgnoreTTLMS = 60_000
	}
	if len(c.Queues) == 0 {
		c.Queues = defaultQueueSpecs()
	}
	// Note: ImportDir is deliberately not validated here. An unusable
	// import directory is a configuration fault that surfaces at the first
	// slot activation attempt, not at construction time (see slot.go).
	for i, q := range c.Queues {
		if q.Capacity <= 0 {
			return c, fmt.Errorf("rhizome: queue %d: capacity must be positive", i)
		}
		if i > 0 && q.Threshold <= c.Queues[i-1].Threshold {
			return c, fmt.Errorf("rhizome: queue %d: thresholds must be strictly ascending", i)
		}
	}
	return c, nil
}
