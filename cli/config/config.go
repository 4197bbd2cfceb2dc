// Package config loads sluice.yaml.
//
// Every value is optional. ApplyDefaults fills what is missing and Validate
// rejects unknown backends and non-positive knobs. CLI flags override
// config values after loading.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/sluice/fold"
)

// Backend names accepted in the config file.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendNone   = "none"
)

// Default values applied by ApplyDefaults.
const (
	DefaultListen            = ":8080"
	DefaultTransform         = "identity"
	DefaultMerge             = "sum"
	DefaultMaxCollection     = 100_000
	DefaultMaxReceives       = 5
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPollInterval      = 200 * time.Millisecond
	DefaultMapBatchSize      = 10
	DefaultMapConcurrency    = 2
	DefaultReduceLanes       = 4
	DefaultConflictRetries   = 3
	DefaultBoltPath          = "sluice.db"
)

// Config represents a sluice.yaml configuration file.
type Config struct {
	Listen     string         `yaml:"listen"`
	Log        LogConfig      `yaml:"log"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
	Store      StoreConfig    `yaml:"store"`
	Queue      QueueConfig    `yaml:"queue"`
	Results    ObjectConfig   `yaml:"results"`
	DeadLetter ObjectConfig   `yaml:"dead_letter"`
	Workers    WorkersConfig  `yaml:"workers"`
	Adapter    AdapterConfig  `yaml:"adapter"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// PipelineConfig names the operators.
type PipelineConfig struct {
	Transform     string `yaml:"transform"`
	Merge         string `yaml:"merge"`
	MaxCollection int    `yaml:"max_collection"`
}

// StoreConfig selects the packet store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Path    string `yaml:"path"`
	Prefix  string `yaml:"prefix"`
}

// QueueConfig selects the work queues and their retry policy.
type QueueConfig struct {
	Backend           string   `yaml:"backend"`
	URL               string   `yaml:"url"`
	Prefix            string   `yaml:"prefix"`
	MaxReceives       int      `yaml:"max_receives"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
}

// ObjectConfig selects a result store or dead-letter archive backend.
// URL and Prefix apply to redis, Path/Region/Endpoint to fs and s3.
type ObjectConfig struct {
	Backend     string `yaml:"backend"`
	URL         string `yaml:"url"`
	Prefix      string `yaml:"prefix"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// WorkersConfig sizes the consumers.
type WorkersConfig struct {
	Map    MapWorkerConfig    `yaml:"map"`
	Reduce ReduceWorkerConfig `yaml:"reduce"`
}

// MapWorkerConfig sizes the map consumer.
type MapWorkerConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

// ReduceWorkerConfig sizes the reduce consumer.
type ReduceWorkerConfig struct {
	Lanes              int `yaml:"lanes"`
	MaxConflictRetries int `yaml:"max_conflict_retries"`
}

// AdapterConfig holds notification adapter settings.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// PublishTimeout bounds one notification, retries included.
	PublishTimeout Duration `yaml:"publish_timeout,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Listen, DefaultListen)
	setString(&c.Log.Level, "info")
	setString(&c.Pipeline.Transform, DefaultTransform)
	setString(&c.Pipeline.Merge, DefaultMerge)
	setInt(&c.Pipeline.MaxCollection, DefaultMaxCollection)

	setString(&c.Store.Backend, BackendMemory)
	if c.Store.Backend == BackendBolt {
		setString(&c.Store.Path, DefaultBoltPath)
	}

	setString(&c.Queue.Backend, BackendMemory)
	setInt(&c.Queue.MaxReceives, DefaultMaxReceives)
	if c.Queue.VisibilityTimeout.Duration <= 0 {
		c.Queue.VisibilityTimeout.Duration = DefaultVisibilityTimeout
	}
	if c.Queue.PollInterval.Duration <= 0 {
		c.Queue.PollInterval.Duration = DefaultPollInterval
	}

	setString(&c.Results.Backend, BackendMemory)
	setString(&c.DeadLetter.Backend, BackendNone)

	setInt(&c.Workers.Map.BatchSize, DefaultMapBatchSize)
	setInt(&c.Workers.Map.Concurrency, DefaultMapConcurrency)
	setInt(&c.Workers.Reduce.Lanes, DefaultReduceLanes)
	setInt(&c.Workers.Reduce.MaxConflictRetries, DefaultConflictRetries)
}

// Validate checks backend names, operators and knobs. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := fold.LookupTransform(c.Pipeline.Transform); err != nil {
		check(fmt.Errorf("pipeline.transform: %w", err))
	}
	if _, err := fold.LookupMerge(c.Pipeline.Merge); err != nil {
		check(fmt.Errorf("pipeline.merge: %w", err))
	}

	check(oneOf("store.backend", c.Store.Backend, BackendMemory, BackendRedis, BackendBolt))
	check(oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis))
	check(oneOf("results.backend", c.Results.Backend, BackendMemory, BackendRedis, BackendFS, BackendS3))
	check(oneOf("dead_letter.backend", c.DeadLetter.Backend, BackendNone, BackendFS, BackendS3))
	if c.Adapter.Type != "" {
		check(oneOf("adapter.type", c.Adapter.Type, "webhook", BackendRedis))
		if c.Adapter.URL == "" {
			check(errors.New("adapter.url is required when adapter.type is set"))
		}
		if c.Adapter.PublishTimeout.Duration < 0 {
			check(errors.New("adapter.publish_timeout must be >= 0"))
		}
	}

	if c.Store.Backend == BackendRedis && c.Store.URL == "" {
		check(errors.New("store.url is required for the redis backend"))
	}
	if c.Queue.Backend == BackendRedis && c.Queue.URL == "" {
		check(errors.New("queue.url is required for the redis backend"))
	}
	if c.Results.Backend == BackendRedis && c.Results.URL == "" {
		check(errors.New("results.url is required for the redis backend"))
	}
	check(requirePath("results", c.Results))
	check(requirePath("dead_letter", c.DeadLetter))

	check(positive("pipeline.max_collection", c.Pipeline.MaxCollection))
	check(positive("queue.max_receives", c.Queue.MaxReceives))
	check(positive("workers.map.batch_size", c.Workers.Map.BatchSize))
	check(positive("workers.map.concurrency", c.Workers.Map.Concurrency))
	check(positive("workers.reduce.lanes", c.Workers.Reduce.Lanes))
	if c.Workers.Reduce.MaxConflictRetries < 0 {
		check(errors.New("workers.reduce.max_conflict_retries must be >= 0"))
	}

	return errors.Join(errs...)
}

// ProcessLocal reports whether the packet store or the queues live in
// process memory, in which case ingress and workers must share one process.
func (c *Config) ProcessLocal() bool {
	return c.Store.Backend == BackendMemory || c.Queue.Backend == BackendMemory
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (must be one of %v)", field, value, allowed)
}

func requirePath(section string, oc ObjectConfig) error {
	if (oc.Backend == BackendFS || oc.Backend == BackendS3) && oc.Path == "" {
		return fmt.Errorf("%s.path is required for the %s backend", section, oc.Backend)
	}
	return nil
}

func positive(field string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", field, v)
	}
	return nil
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}
