// Package engine provides the high-level, embedded interface for
// semafield.
//
// It wires the ingestion queue, the feature extractors, the rasterizer,
// the incremental optimizer, the relevancy query engine and the
// checkpoint catalog into one lifecycle, providing a thread-safe
// instance that can be used directly within Go applications without
// network overhead.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	eng, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/events"
	"github.com/semafield/semafield/pkg/features"
	"github.com/semafield/semafield/pkg/ingest"
	"github.com/semafield/semafield/pkg/metrics"
	"github.com/semafield/semafield/pkg/optimize"
	"github.com/semafield/semafield/pkg/persistence"
	"github.com/semafield/semafield/pkg/query"
	"github.com/semafield/semafield/pkg/render"
	"github.com/semafield/semafield/pkg/vecmath"
)

// Options configures the behavior of the Engine: the scene shape, the
// component tunables, the collaborators and the checkpoint policy.
type Options struct {
	// DataDir is the directory where checkpoints are stored. It is
	// created automatically if it does not exist.
	DataDir string

	// Scene fixes the bundle shape (scale levels, embedding dim) and the
	// spatial index cell size. Checkpoints only load into a scene with
	// the same shape.
	Scene core.Config

	// Queue, Pyramid, Optimizer and Render tune the pipeline stages.
	// Zero values fall back to each component's defaults.
	Queue     ingest.Options
	Pyramid   features.Config
	Optimizer optimize.Config
	Render    render.Config

	// Encoder and AuxEncoder are the pretrained-model adapters. Nil
	// selects the deterministic local implementations, which is what
	// development and tests want; production wires the HTTP adapters.
	Encoder    encoders.Encoder
	AuxEncoder encoders.AuxEncoder

	// Renderer overrides the built-in point-splat rasterizer.
	Renderer render.Renderer

	// Recorder receives events in addition to the built-in slog and
	// metrics recorders.
	Recorder events.Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// CheckpointPrecision selects how bundle vectors are stored on disk
	// (float32, float16 or int8).
	CheckpointPrecision vecmath.Precision

	// CheckpointEvery triggers background saves. Zero disables them;
	// Close always writes a final checkpoint either way.
	CheckpointEvery time.Duration

	// CheckpointKeep prunes the catalog down to this many files after
	// each save. Zero keeps everything.
	CheckpointKeep int

	// JournalPath, when set, records every accepted frame to a session
	// journal that persistence.ReplayJournal can feed back later.
	JournalPath string

	// JournalSyncEvery is the journal fsync cadence. Zero syncs on
	// every append.
	JournalSyncEvery time.Duration

	// MaintenanceInterval is the cadence of the gauge sync.
	MaintenanceInterval time.Duration
}

// DefaultOptions returns a standard configuration suitable for most use
// cases: component defaults, float32 checkpoints every 5 minutes keeping
// the last 5.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:             dataDir,
		Scene:               core.DefaultConfig(),
		Queue:               ingest.DefaultOptions(),
		Pyramid:             features.DefaultConfig(),
		Optimizer:           optimize.DefaultConfig(),
		Render:              render.DefaultConfig(),
		CheckpointPrecision: vecmath.Float32,
		CheckpointEvery:     5 * time.Minute,
		CheckpointKeep:      5,
		MaintenanceInterval: 5 * time.Second,
	}
}

// Stats aggregates the observable state of a running engine.
type Stats struct {
	State      optimize.State
	Step       uint64
	Primitives int
	Optimizer  optimize.Stats
	Queue      ingest.Stats
	// Events holds nonzero per-kind event counts since Open.
	Events      map[events.Kind]uint64
	Checkpoints int
	// JournalFrames counts frames recorded to the session journal,
	// zero when no journal is configured.
	JournalFrames uint64
}

// Engine is the main entry point for semafield. Use Open to initialize
// and Close to shut down gracefully; all methods are safe for concurrent
// use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	scene   *core.Scene
	queue   *ingest.Queue
	loop    *optimize.Loop
	queries *query.Engine
	catalog *persistence.Catalog
	journal *persistence.Journal
	counter *events.Counter
	rec     events.Recorder

	cancel   context.CancelFunc
	loopDone chan struct{}
	loopErr  error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It performs the following actions:
//  1. Opens the checkpoint catalog and resumes from the newest
//     checkpoint if one exists. A corrupt newest checkpoint fails the
//     open; resuming from older state silently would discard newer
//     observations.
//  2. Builds encoders, extractors, queue, renderer, optimizer and the
//     query engine.
//  3. Starts the optimizer goroutine and the background maintenance.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, errors.New("engine: DataDir is required")
	}
	def := DefaultOptions(opts.DataDir)
	if opts.CheckpointPrecision == "" {
		opts.CheckpointPrecision = def.CheckpointPrecision
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = def.MaintenanceInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scene := core.NewScene(opts.Scene)
	sceneCfg := scene.Config()

	counter := events.NewCounter()
	rec := events.Multi{events.SlogRecorder{Logger: logger}, metrics.Recorder{}, counter}
	if opts.Recorder != nil {
		rec = append(rec, opts.Recorder)
	}

	// 1. Resume from the newest checkpoint when one exists.
	catalog, err := persistence.OpenCatalog(filepath.Join(opts.DataDir, "checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if latest, ok := catalog.Latest(); ok {
		info, err := persistence.Load(latest.Path, scene)
		if err != nil {
			if errors.Is(err, persistence.ErrCorruptCheckpoint) {
				events.Emit(rec, events.CorruptCheckpoint, err, "path", latest.Path, "step", latest.Step)
			}
			return nil, fmt.Errorf("engine: failed to resume from %s: %w", latest.Path, err)
		}
		logger.Info("resumed from checkpoint",
			"step", info.Step, "primitives", scene.Len(), "precision", string(info.Precision))
	}

	var journal *persistence.Journal
	if opts.JournalPath != "" {
		journal, err = persistence.OpenJournal(opts.JournalPath, opts.JournalSyncEvery)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		logger.Info("session journal open", "path", opts.JournalPath)
	}

	// 2. Encoders, extractors, queue, renderer.
	enc := opts.Encoder
	if enc == nil {
		enc = encoders.NewHashEncoder(sceneCfg.EmbeddingDim)
	}
	if enc.Dim() != sceneCfg.EmbeddingDim {
		return nil, fmt.Errorf("engine: encoder dim %d does not match scene embedding dim %d",
			enc.Dim(), sceneCfg.EmbeddingDim)
	}
	auxEnc := opts.AuxEncoder
	if auxEnc == nil {
		auxEnc = encoders.NewLumaGradAux(0)
	}
	if opts.Pyramid.ScaleLevels == 0 {
		opts.Pyramid.ScaleLevels = sceneCfg.ScaleLevels
	}
	if opts.Pyramid.ScaleLevels != sceneCfg.ScaleLevels {
		return nil, fmt.Errorf("engine: pyramid has %d levels but bundles hold %d",
			opts.Pyramid.ScaleLevels, sceneCfg.ScaleLevels)
	}
	pyramid, err := features.NewExtractor(opts.Pyramid, enc)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	auxExtractor, err := features.NewAuxExtractor(auxEnc)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	queueOpts := opts.Queue
	queueOpts.Recorder = rec
	queue := ingest.New(queueOpts)

	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.NewSplatRenderer(opts.Render)
	}

	// 3. Optimizer and query engine.
	loop, err := optimize.NewLoop(opts.Optimizer, scene, queue, pyramid, auxExtractor, renderer, rec)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	queries, err := query.New(enc)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		opts:     opts,
		logger:   logger,
		scene:    scene,
		queue:    queue,
		loop:     loop,
		queries:  queries,
		catalog:  catalog,
		journal:  journal,
		counter:  counter,
		rec:      rec,
		loopDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		e.loopErr = loop.Run(ctx)
		close(e.loopDone)
	}()
	e.wg.Add(1)
	go e.backgroundTasks()

	return e, nil
}

// Close performs a clean shutdown: it stops accepting frames, lets the
// optimizer drain what is already buffered, stops maintenance and writes
// a final checkpoint.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.queue.Close()
		<-e.loopDone
		e.cancel()
		e.wg.Wait()

		if e.journal != nil {
			if err := e.journal.Close(); err != nil {
				e.logger.Warn("session journal close failed", "error", err)
			}
		}

		if e.loopErr != nil && !errors.Is(e.loopErr, context.Canceled) {
			e.closeErr = fmt.Errorf("engine: optimizer: %w", e.loopErr)
			return
		}
		info, err := e.saveCheckpoint()
		if err != nil {
			e.closeErr = fmt.Errorf("engine: final checkpoint: %w", err)
			return
		}
		e.logger.Info("final checkpoint written", "step", info.Step, "path", info.Path)
	})
	return e.closeErr
}

// EnqueueFrame submits a posed frame for fusion. Rejections (queue full,
// redundant viewpoint) come back as ingest errors and are also recorded
// as events. Accepted frames additionally land in the session journal
// when one is configured.
func (e *Engine) EnqueueFrame(f *core.PosedFrame) error {
	if err := e.queue.Enqueue(f); err != nil {
		return err
	}
	if e.journal != nil {
		// A journal failure never fails ingestion.
		if err := e.journal.Append(f); err != nil {
			e.logger.Warn("session journal append failed", "error", err)
		}
	}
	return nil
}

// SceneView returns the current immutable scene snapshot.
func (e *Engine) SceneView() *core.SceneView {
	return e.scene.View()
}

// Query scores the current scene view against a natural-language prompt.
func (e *Engine) Query(ctx context.Context, text string, opts query.Options) ([]query.Result, error) {
	start := time.Now()
	results, err := e.queries.Query(ctx, e.scene.View(), text, opts)
	if err != nil {
		return nil, err
	}
	metrics.QueriesTotal.Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

// QueryCells is Query aggregated into voxel cells of the given edge.
func (e *Engine) QueryCells(ctx context.Context, text string, cellSize float64, opts query.Options) ([]query.CellScore, error) {
	start := time.Now()
	cells, err := e.queries.QueryCells(ctx, e.scene.View(), text, cellSize, opts)
	if err != nil {
		return nil, err
	}
	metrics.QueriesTotal.Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	return cells, nil
}

// SaveCheckpoint writes a checkpoint now and applies the retention
// policy.
func (e *Engine) SaveCheckpoint() (persistence.Info, error) {
	return e.saveCheckpoint()
}

// Checkpoints lists the catalog in ascending step order.
func (e *Engine) Checkpoints() []persistence.Info {
	return e.catalog.List()
}

// Stats returns a consistent sample of the engine counters.
func (e *Engine) Stats() Stats {
	ls := e.loop.Stats()
	evs := make(map[events.Kind]uint64)
	for _, k := range []events.Kind{
		events.RejectedFrame, events.EncoderUnavailable, events.FrameSkipped,
		events.StepDiverged, events.CorruptCheckpoint,
	} {
		if n := e.counter.Count(k); n > 0 {
			evs[k] = n
		}
	}
	st := Stats{
		State:       ls.State,
		Step:        e.scene.Step(),
		Primitives:  e.scene.Len(),
		Optimizer:   ls,
		Queue:       e.queue.Stats(),
		Events:      evs,
		Checkpoints: e.catalog.Len(),
	}
	if e.journal != nil {
		st.JournalFrames = e.journal.Frames()
	}
	return st
}

func (e *Engine) saveCheckpoint() (persistence.Info, error) {
	info, err := e.catalog.Save(e.scene, e.opts.CheckpointPrecision)
	if err != nil {
		return persistence.Info{}, err
	}
	metrics.CheckpointSaves.Inc()
	metrics.CheckpointLastStep.Set(float64(info.Step))
	if e.opts.CheckpointKeep > 0 {
		if _, err := e.catalog.Prune(e.opts.CheckpointKeep); err != nil {
			e.logger.Warn("checkpoint prune failed", "error", err)
		}
	}
	return info, nil
}

// backgroundTasks syncs gauges and runs the autosave policy.
func (e *Engine) backgroundTasks() {
	defer e.wg.Done()
	sync := time.NewTicker(e.opts.MaintenanceInterval)
	defer sync.Stop()

	var save <-chan time.Time
	if e.opts.CheckpointEvery > 0 {
		t := time.NewTicker(e.opts.CheckpointEvery)
		defer t.Stop()
		save = t.C
	}

	for {
		select {
		case <-e.closed:
			return
		case <-sync.C:
			e.syncMetrics()
		case <-save:
			if _, err := e.saveCheckpoint(); err != nil {
				e.logger.Error("background checkpoint failed", "error", err)
			}
		}
	}
}

func (e *Engine) syncMetrics() {
	ls := e.loop.Stats()
	metrics.OptimizerStep.Set(float64(e.scene.Step()))
	metrics.Primitives.Set(float64(e.scene.Len()))
	metrics.FramesProcessed.Set(float64(ls.FramesProcessed))
	metrics.FramesSkipped.Set(float64(ls.FramesSkipped))
	metrics.StepsDiverged.Set(float64(ls.StepsDiverged))
	metrics.LastLoss.Set(ls.LastLoss)
	metrics.EncoderOutageStreak.Set(float64(ls.EncoderStreak))
	metrics.QueueDepth.Set(float64(e.queue.Len()))
}
