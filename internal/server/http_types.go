package server

import (
	"math"
	"time"

	"github.com/semafield/semafield/pkg/engine"
	"github.com/semafield/semafield/pkg/persistence"
	"github.com/semafield/semafield/pkg/query"
)

// FrameRequest carries one posed frame. Pixels travel as the raw RGB8
// bytes of a width by height image, row-major; encoding/json base64s
// them on the wire.
type FrameRequest struct {
	TimestampUnixNano int64      `json:"timestamp_unix_nano"`
	Position          [3]float64 `json:"position"`
	// Orientation is the camera-to-world unit quaternion as [w, x, y, z].
	Orientation [4]float64     `json:"orientation"`
	Intrinsics  IntrinsicsBody `json:"intrinsics"`
	PixelsRGB8  []byte         `json:"pixels_rgb8"`
}

// IntrinsicsBody is the pinhole calibration of a frame.
type IntrinsicsBody struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// FrameResponse acknowledges an accepted frame.
type FrameResponse struct {
	FrameID string `json:"frame_id"`
	Status  string `json:"status"`
}

// QueryRequest asks for primitives relevant to a text prompt. Level and
// MinAlpha are pointers so an explicit zero is distinguishable from an
// omitted field.
type QueryRequest struct {
	Text       string   `json:"text"`
	Level      *int     `json:"level,omitempty"`
	SweepSteps int      `json:"sweep_steps,omitempty"`
	Negatives  []string `json:"negatives,omitempty"`
	MinAlpha   *float64 `json:"min_alpha,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	// CellSize is only read by the cell aggregation endpoint.
	CellSize float64 `json:"cell_size,omitempty"`
}

func (r *QueryRequest) options() query.Options {
	opts := query.DefaultOptions()
	if r.Level != nil {
		opts.Level = *r.Level
	}
	if r.SweepSteps > 0 {
		opts.SweepSteps = r.SweepSteps
	}
	if len(r.Negatives) > 0 {
		opts.Negatives = r.Negatives
	}
	if r.MinAlpha != nil {
		opts.MinAlpha = float32(*r.MinAlpha)
	}
	if r.TopK > 0 {
		opts.TopK = r.TopK
	}
	return opts
}

// QueryResult is one scored primitive. An invalid entry holds a
// corrupted bundle; its score is reported as zero since JSON has no NaN.
type QueryResult struct {
	ID      uint32     `json:"id"`
	Score   float64    `json:"score"`
	Scale   float64    `json:"scale"`
	Center  [3]float64 `json:"center"`
	Alpha   float32    `json:"alpha"`
	Invalid bool       `json:"invalid,omitempty"`
}

// QueryResponse is the ranked answer to a query, tagged with the scene
// step current when the query ran.
type QueryResponse struct {
	Step    uint64        `json:"step"`
	Results []QueryResult `json:"results"`
}

func newQueryResults(results []query.Result) []QueryResult {
	out := make([]QueryResult, 0, len(results))
	for _, r := range results {
		out = append(out, QueryResult{
			ID:      r.ID,
			Score:   finiteOrZero(r.Score),
			Scale:   finiteOrZero(r.Scale),
			Center:  [3]float64{r.Center.X, r.Center.Y, r.Center.Z},
			Alpha:   r.Alpha,
			Invalid: r.Invalid,
		})
	}
	return out
}

func newQueryResponse(step uint64, results []query.Result) QueryResponse {
	return QueryResponse{Step: step, Results: newQueryResults(results)}
}

// SweepRequest ranks several prompts in one background task, sharing
// one option set across all of them.
type SweepRequest struct {
	Prompts    []string `json:"prompts"`
	Level      *int     `json:"level,omitempty"`
	SweepSteps int      `json:"sweep_steps,omitempty"`
	Negatives  []string `json:"negatives,omitempty"`
	MinAlpha   *float64 `json:"min_alpha,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
}

func (r *SweepRequest) options() query.Options {
	q := QueryRequest{
		Level:      r.Level,
		SweepSteps: r.SweepSteps,
		Negatives:  r.Negatives,
		MinAlpha:   r.MinAlpha,
		TopK:       r.TopK,
	}
	return q.options()
}

// SweepEntry is the ranked answer for one prompt of a sweep. Prompts
// are scored in order against the view current when each ran.
type SweepEntry struct {
	Text    string        `json:"text"`
	Results []QueryResult `json:"results"`
}

// SweepResult is the payload a completed sweep task carries. Step is
// the scene step when the sweep began.
type SweepResult struct {
	Step   uint64       `json:"step"`
	Sweeps []SweepEntry `json:"sweeps"`
}

// CellResult is the aggregated relevancy of one voxel.
type CellResult struct {
	Cell   [3]int     `json:"cell"`
	Center [3]float64 `json:"center"`
	Score  float64    `json:"score"`
	BestID uint32     `json:"best_id"`
	Count  int        `json:"count"`
}

// CellQueryResponse is the voxel-aggregated answer to a query.
type CellQueryResponse struct {
	Step  uint64       `json:"step"`
	Cells []CellResult `json:"cells"`
}

func newCellQueryResponse(step uint64, cells []query.CellScore) CellQueryResponse {
	resp := CellQueryResponse{Step: step, Cells: make([]CellResult, 0, len(cells))}
	for _, c := range cells {
		resp.Cells = append(resp.Cells, CellResult{
			Cell:   c.Cell,
			Center: [3]float64{c.Center.X, c.Center.Y, c.Center.Z},
			Score:  finiteOrZero(c.Score),
			BestID: c.Best,
			Count:  c.Count,
		})
	}
	return resp
}

// PrimitiveBody is one primitive without its embedding bundle; bundles
// are large and query endpoints already expose what they encode.
type PrimitiveBody struct {
	ID          uint32     `json:"id"`
	Center      [3]float64 `json:"center"`
	Scale       [3]float64 `json:"scale"`
	Rotation    [4]float64 `json:"rotation"`
	Alpha       float32    `json:"alpha"`
	Color       [3]float32 `json:"color"`
	ScaleWeight float32    `json:"scale_weight"`
	ObsCount    uint32     `json:"obs_count"`
}

// PrimitivesResponse lists primitives inside the requested region.
// Total counts the matches before the limit was applied.
type PrimitivesResponse struct {
	Step       uint64          `json:"step"`
	Total      int             `json:"total"`
	Primitives []PrimitiveBody `json:"primitives"`
}

// QueueStatsBody mirrors the ingestion queue counters.
type QueueStatsBody struct {
	Accepted          uint64 `json:"accepted"`
	RejectedFull      uint64 `json:"rejected_full"`
	RejectedRedundant uint64 `json:"rejected_redundant"`
	Dequeued          uint64 `json:"dequeued"`
	Depth             int    `json:"depth"`
}

// StatsResponse is the engine health surface.
type StatsResponse struct {
	State           string            `json:"state"`
	Step            uint64            `json:"step"`
	Primitives      int               `json:"primitives"`
	LastLoss        float64           `json:"last_loss"`
	FramesProcessed uint64            `json:"frames_processed"`
	FramesSkipped   uint64            `json:"frames_skipped"`
	StepsDiverged   uint64            `json:"steps_diverged"`
	Refines         uint64            `json:"refines"`
	EncoderStreak   int64             `json:"encoder_outage_streak"`
	Queue           QueueStatsBody    `json:"queue"`
	Events          map[string]uint64 `json:"events,omitempty"`
	Checkpoints     int               `json:"checkpoints"`
	JournalFrames   uint64            `json:"journal_frames,omitempty"`
}

func newStatsResponse(st engine.Stats) StatsResponse {
	resp := StatsResponse{
		State:           string(st.State),
		Step:            st.Step,
		Primitives:      st.Primitives,
		LastLoss:        finiteOrZero(st.Optimizer.LastLoss),
		FramesProcessed: st.Optimizer.FramesProcessed,
		FramesSkipped:   st.Optimizer.FramesSkipped,
		StepsDiverged:   st.Optimizer.StepsDiverged,
		Refines:         st.Optimizer.Refines,
		EncoderStreak:   st.Optimizer.EncoderStreak,
		Queue: QueueStatsBody{
			Accepted:          st.Queue.Accepted,
			RejectedFull:      st.Queue.RejectedFull,
			RejectedRedundant: st.Queue.RejectedRedundant,
			Dequeued:          st.Queue.Dequeued,
			Depth:             st.Queue.Depth,
		},
		Checkpoints:   st.Checkpoints,
		JournalFrames: st.JournalFrames,
	}
	if len(st.Events) > 0 {
		resp.Events = make(map[string]uint64, len(st.Events))
		for k, v := range st.Events {
			resp.Events[string(k)] = v
		}
	}
	return resp
}

// CheckpointBody describes one on-disk checkpoint.
type CheckpointBody struct {
	Path      string    `json:"path"`
	Step      uint64    `json:"step"`
	Precision string    `json:"precision"`
	SizeBytes int64     `json:"size_bytes"`
	SavedAt   time.Time `json:"saved_at"`
}

func newCheckpointBody(info persistence.Info) CheckpointBody {
	return CheckpointBody{
		Path:      info.Path,
		Step:      info.Step,
		Precision: string(info.Precision),
		SizeBytes: info.Size,
		SavedAt:   info.SavedAt,
	}
}

// TaskResponse reports the state of an async task.
type TaskResponse struct {
	ID              string     `json:"id"`
	Status          TaskStatus `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          any        `json:"result,omitempty"`
}

// finiteOrZero guards JSON encoding, which rejects NaN and infinities.
func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
