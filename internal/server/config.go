// Package server exposes a running engine over HTTP: frame ingestion,
// language queries, scene inspection, checkpoint management and async
// task tracking.
//
// This file defines the daemon configuration. It is loaded from YAML in
// strict mode so typos in field names fail loudly instead of silently
// falling back to defaults, and environment variables are expanded
// before parsing so secrets like ${SEMAFIELD_AUTH_TOKEN} stay out of
// the file.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/engine"
	"github.com/semafield/semafield/pkg/vecmath"
)

// Config is the top-level daemon configuration. Zero values defer to
// the engine defaults; command line flags override file values.
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	StreamAddr string `yaml:"stream_addr"`
	// AuthToken protects the HTTP API. Empty disables authentication.
	AuthToken string `yaml:"auth_token"`
	DataDir   string `yaml:"data_dir"`

	Encoder    EncoderConfig    `yaml:"encoder"`
	Scene      SceneConfig      `yaml:"scene"`
	Queue      QueueConfig      `yaml:"queue"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Journal    JournalConfig    `yaml:"journal"`
}

// EncoderConfig selects the language encoder. Type "local" (the
// default) runs the deterministic in-process encoder; "remote" talks to
// an embedding service over HTTP.
type EncoderConfig struct {
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	AuxModel string `yaml:"aux_model"`
	AuxDim   int    `yaml:"aux_dim"`
	Timeout  string `yaml:"timeout"`
}

// SceneConfig shapes the primitive store. Changing these on an existing
// data dir fails at startup when the checkpoint shape no longer matches.
type SceneConfig struct {
	ScaleLevels    int     `yaml:"scale_levels"`
	EmbeddingDim   int     `yaml:"embedding_dim"`
	ServePrecision string  `yaml:"serve_precision"`
	CellSize       float64 `yaml:"cell_size"`
}

// QueueConfig tunes the ingestion queue.
type QueueConfig struct {
	Capacity       int     `yaml:"capacity"`
	MinTranslation float64 `yaml:"min_translation"`
	MinRotation    float64 `yaml:"min_rotation"`
	HistoryAge     string  `yaml:"history_age"`
}

// OptimizerConfig exposes the loop tunables an operator actually
// adjusts; the long tail of refinement thresholds keeps its defaults.
type OptimizerConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	LRBundle      float64 `yaml:"lr_bundle"`
	LifelongDecay float64 `yaml:"lifelong_decay"`
	LRMinFactor   float64 `yaml:"lr_min_factor"`
	RefineEvery   uint64  `yaml:"refine_every"`
	SeedPerFrame  int     `yaml:"seed_per_frame"`
	MaxPrimitives int     `yaml:"max_primitives"`
	RandSeed      int64   `yaml:"rand_seed"`
}

// CheckpointConfig tunes checkpoint persistence.
type CheckpointConfig struct {
	Every     string `yaml:"every"`
	Keep      int    `yaml:"keep"`
	Precision string `yaml:"precision"`
}

// JournalConfig enables session recording. An empty path disables it;
// sync_every "0" or omitted fsyncs on every accepted frame.
type JournalConfig struct {
	Path      string `yaml:"path"`
	SyncEvery string `yaml:"sync_every"`
}

// LoadConfig reads and parses the YAML configuration at path. An empty
// path returns an empty configuration so a flags-only launch works.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file %q: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var config Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("YAML syntax error in %q: %w", path, err)
	}
	return &config, nil
}

// EngineOptions maps the configuration onto engine options, starting
// from the engine defaults and overriding only what the file sets.
func (c *Config) EngineOptions() (engine.Options, error) {
	if c.DataDir == "" {
		return engine.Options{}, fmt.Errorf("config: data_dir is required")
	}
	opts := engine.DefaultOptions(c.DataDir)

	if c.Scene.ScaleLevels > 0 {
		opts.Scene.ScaleLevels = c.Scene.ScaleLevels
		// The pyramid tracks the bundle level count.
		opts.Pyramid.ScaleLevels = c.Scene.ScaleLevels
	}
	if c.Scene.EmbeddingDim > 0 {
		opts.Scene.EmbeddingDim = c.Scene.EmbeddingDim
	}
	if c.Scene.CellSize > 0 {
		opts.Scene.CellSize = c.Scene.CellSize
	}
	if c.Scene.ServePrecision != "" {
		p, err := parsePrecision("scene.serve_precision", c.Scene.ServePrecision)
		if err != nil {
			return engine.Options{}, err
		}
		opts.Scene.ServePrecision = p
	}

	if c.Queue.Capacity > 0 {
		opts.Queue.Capacity = c.Queue.Capacity
	}
	if c.Queue.MinTranslation > 0 {
		opts.Queue.MinTranslation = c.Queue.MinTranslation
	}
	if c.Queue.MinRotation > 0 {
		opts.Queue.MinRotation = c.Queue.MinRotation
	}
	if c.Queue.HistoryAge != "" {
		d, err := parseDuration("queue.history_age", c.Queue.HistoryAge)
		if err != nil {
			return engine.Options{}, err
		}
		opts.Queue.HistoryAge = d
	}

	if c.Optimizer.BatchSize > 0 {
		opts.Optimizer.BatchSize = c.Optimizer.BatchSize
	}
	if c.Optimizer.LRBundle > 0 {
		opts.Optimizer.LRBundle = c.Optimizer.LRBundle
	}
	if c.Optimizer.LifelongDecay > 0 {
		opts.Optimizer.LifelongDecay = c.Optimizer.LifelongDecay
	}
	if c.Optimizer.LRMinFactor > 0 {
		opts.Optimizer.LRMinFactor = c.Optimizer.LRMinFactor
	}
	if c.Optimizer.RefineEvery > 0 {
		opts.Optimizer.RefineEvery = c.Optimizer.RefineEvery
	}
	if c.Optimizer.SeedPerFrame > 0 {
		opts.Optimizer.SeedPerFrame = c.Optimizer.SeedPerFrame
	}
	if c.Optimizer.MaxPrimitives > 0 {
		opts.Optimizer.MaxPrimitives = c.Optimizer.MaxPrimitives
	}
	if c.Optimizer.RandSeed != 0 {
		opts.Optimizer.RandSeed = c.Optimizer.RandSeed
	}

	if c.Checkpoint.Every != "" {
		d, err := parseDuration("checkpoint.every", c.Checkpoint.Every)
		if err != nil {
			return engine.Options{}, err
		}
		opts.CheckpointEvery = d
	}
	if c.Checkpoint.Keep > 0 {
		opts.CheckpointKeep = c.Checkpoint.Keep
	}
	if c.Checkpoint.Precision != "" {
		p, err := parsePrecision("checkpoint.precision", c.Checkpoint.Precision)
		if err != nil {
			return engine.Options{}, err
		}
		opts.CheckpointPrecision = p
	}

	if c.Journal.Path != "" {
		opts.JournalPath = c.Journal.Path
		if c.Journal.SyncEvery != "" {
			d, err := parseDuration("journal.sync_every", c.Journal.SyncEvery)
			if err != nil {
				return engine.Options{}, err
			}
			opts.JournalSyncEvery = d
		}
	}

	if err := c.applyEncoder(&opts); err != nil {
		return engine.Options{}, err
	}
	return opts, nil
}

func (c *Config) applyEncoder(opts *engine.Options) error {
	switch c.Encoder.Type {
	case "", "local":
		// Engine default: deterministic in-process encoders.
		return nil
	case "remote":
		if c.Encoder.URL == "" {
			return fmt.Errorf("config: encoder.url is required for a remote encoder")
		}
		timeout := 30 * time.Second
		if c.Encoder.Timeout != "" {
			d, err := parseDuration("encoder.timeout", c.Encoder.Timeout)
			if err != nil {
				return err
			}
			timeout = d
		}
		opts.Encoder = encoders.NewRemoteEncoder(c.Encoder.URL, c.Encoder.Model, opts.Scene.EmbeddingDim, timeout)
		if c.Encoder.AuxModel != "" {
			auxDim := c.Encoder.AuxDim
			if auxDim <= 0 {
				auxDim = 64
			}
			opts.AuxEncoder = encoders.NewRemoteAuxEncoder(c.Encoder.URL, c.Encoder.AuxModel, auxDim, timeout)
		}
		return nil
	default:
		return fmt.Errorf("config: unknown encoder type %q (want \"local\" or \"remote\")", c.Encoder.Type)
	}
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

func parsePrecision(field, s string) (vecmath.Precision, error) {
	switch p := vecmath.Precision(s); p {
	case vecmath.Float32, vecmath.Float16, vecmath.Int8:
		return p, nil
	default:
		return "", fmt.Errorf("config: %s: unknown precision %q", field, s)
	}
}
