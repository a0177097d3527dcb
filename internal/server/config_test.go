package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/semafield/semafield/pkg/engine"
	"github.com/semafield/semafield/pkg/vecmath"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "semafield.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("SEMAFIELD_TEST_TOKEN", "s3cret")
	path := writeConfigFile(t, `
http_addr: ":8080"
auth_token: ${SEMAFIELD_TEST_TOKEN}
data_dir: /var/lib/semafield
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AuthToken != "s3cret" {
		t.Errorf("auth token = %q, want the expanded secret", cfg.AuthToken)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/var/lib/semafield" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, "data_dir: /tmp/x\nhttp_adress: oops\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\"): %v", err)
	}
	if _, err := cfg.EngineOptions(); err == nil {
		t.Error("EngineOptions accepted a missing data_dir")
	}
}

func TestEngineOptionsOverrides(t *testing.T) {
	path := writeConfigFile(t, `
data_dir: /var/lib/semafield
scene:
  scale_levels: 4
  embedding_dim: 32
  serve_precision: float16
  cell_size: 0.25
queue:
  capacity: 128
  history_age: 30s
optimizer:
  batch_size: 8
  rand_seed: 7
checkpoint:
  every: 5m
  keep: 2
  precision: int8
journal:
  path: /var/lib/semafield/session.sfj
  sync_every: 2s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions: %v", err)
	}

	if opts.Scene.ScaleLevels != 4 || opts.Pyramid.ScaleLevels != 4 {
		t.Errorf("scale levels = %d scene / %d pyramid, want 4 for both",
			opts.Scene.ScaleLevels, opts.Pyramid.ScaleLevels)
	}
	if opts.Scene.EmbeddingDim != 32 {
		t.Errorf("embedding dim = %d, want 32", opts.Scene.EmbeddingDim)
	}
	if opts.Scene.ServePrecision != vecmath.Float16 {
		t.Errorf("serve precision = %q, want float16", opts.Scene.ServePrecision)
	}
	if opts.Scene.CellSize != 0.25 {
		t.Errorf("cell size = %v, want 0.25", opts.Scene.CellSize)
	}
	if opts.Queue.Capacity != 128 {
		t.Errorf("queue capacity = %d, want 128", opts.Queue.Capacity)
	}
	if opts.Queue.HistoryAge != 30*time.Second {
		t.Errorf("history age = %v, want 30s", opts.Queue.HistoryAge)
	}
	if opts.Optimizer.BatchSize != 8 {
		t.Errorf("batch size = %d, want 8", opts.Optimizer.BatchSize)
	}
	if opts.Optimizer.RandSeed != 7 {
		t.Errorf("rand seed = %d, want 7", opts.Optimizer.RandSeed)
	}
	if opts.CheckpointEvery != 5*time.Minute {
		t.Errorf("checkpoint every = %v, want 5m", opts.CheckpointEvery)
	}
	if opts.CheckpointKeep != 2 {
		t.Errorf("checkpoint keep = %d, want 2", opts.CheckpointKeep)
	}
	if opts.CheckpointPrecision != vecmath.Int8 {
		t.Errorf("checkpoint precision = %q, want int8", opts.CheckpointPrecision)
	}
	if opts.JournalPath != "/var/lib/semafield/session.sfj" {
		t.Errorf("journal path = %q", opts.JournalPath)
	}
	if opts.JournalSyncEvery != 2*time.Second {
		t.Errorf("journal sync = %v, want 2s", opts.JournalSyncEvery)
	}

	// What the file does not mention keeps the engine defaults.
	def := engine.DefaultOptions("/var/lib/semafield")
	if opts.Optimizer.LRBundle != def.Optimizer.LRBundle {
		t.Errorf("lr_bundle = %v drifted from the default %v", opts.Optimizer.LRBundle, def.Optimizer.LRBundle)
	}
	if opts.Queue.MinTranslation != def.Queue.MinTranslation {
		t.Errorf("min_translation = %v drifted from the default %v", opts.Queue.MinTranslation, def.Queue.MinTranslation)
	}
}

func TestEngineOptionsRemoteEncoder(t *testing.T) {
	cfg := &Config{
		DataDir: "/tmp/semafield",
		Encoder: EncoderConfig{Type: "remote", URL: "http://localhost:8091", Model: "clip-vit-b32", Timeout: "10s"},
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions: %v", err)
	}
	if opts.Encoder == nil {
		t.Error("remote encoder was not installed")
	}
	if opts.AuxEncoder != nil {
		t.Error("aux encoder installed without an aux_model")
	}

	cfg.Encoder.AuxModel = "dino-s8"
	opts, err = cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions with aux model: %v", err)
	}
	if opts.AuxEncoder == nil {
		t.Error("aux encoder was not installed")
	}

	t.Run("missing url", func(t *testing.T) {
		cfg := &Config{DataDir: "/tmp/semafield", Encoder: EncoderConfig{Type: "remote"}}
		if _, err := cfg.EngineOptions(); err == nil {
			t.Error("remote encoder without a url was accepted")
		}
	})
	t.Run("unknown type", func(t *testing.T) {
		cfg := &Config{DataDir: "/tmp/semafield", Encoder: EncoderConfig{Type: "quantum"}}
		if _, err := cfg.EngineOptions(); err == nil {
			t.Error("unknown encoder type was accepted")
		}
	})
}

func TestEngineOptionsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"bad history age", Config{DataDir: "x", Queue: QueueConfig{HistoryAge: "soon"}}},
		{"bad checkpoint interval", Config{DataDir: "x", Checkpoint: CheckpointConfig{Every: "never"}}},
		{"bad checkpoint precision", Config{DataDir: "x", Checkpoint: CheckpointConfig{Precision: "float128"}}},
		{"bad serve precision", Config{DataDir: "x", Scene: SceneConfig{ServePrecision: "double"}}},
		{"bad encoder timeout", Config{DataDir: "x", Encoder: EncoderConfig{Type: "remote", URL: "http://h", Timeout: "later"}}},
		{"bad journal sync", Config{DataDir: "x", Journal: JournalConfig{Path: "j.sfj", SyncEvery: "often"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.cfg.EngineOptions(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
