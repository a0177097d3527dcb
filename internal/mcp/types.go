package mcp

import "time"

// --- Tool arguments ---

type SceneQueryArgs struct {
	Text      string   `json:"text" jsonschema:"What to look for, in natural language (e.g. 'the red mug on the desk'),required"`
	Level     *int     `json:"level,omitempty" jsonschema:"Bundle level to score, 0 is the finest. Omit to sweep the continuous scale axis"`
	TopK      int      `json:"top_k,omitempty" jsonschema:"Max number of matches (default 10)"`
	Negatives []string `json:"negatives,omitempty" jsonschema:"Contrast prompts replacing the canonical set ('object', 'things', 'stuff', 'texture')"`
	MinAlpha  float64  `json:"min_alpha,omitempty" jsonschema:"Drop primitives more transparent than this (default 0.05)"`
}

type SceneCellsArgs struct {
	Text     string  `json:"text" jsonschema:"What to look for, in natural language,required"`
	CellSize float64 `json:"cell_size" jsonschema:"Voxel edge length in meters (e.g. 0.5),required"`
	TopK     int     `json:"top_k,omitempty" jsonschema:"Max number of cells (default 10)"`
}

type SceneStatsArgs struct{}

type SaveCheckpointArgs struct{}

type ListCheckpointsArgs struct{}

// --- Tool results ---

type SceneMatch struct {
	ID     uint32     `json:"id"`
	Score  float64    `json:"score"`
	Scale  float64    `json:"scale"`
	Center [3]float64 `json:"center"`
}

type SceneQueryResult struct {
	Step    uint64       `json:"step"`
	Matches []SceneMatch `json:"matches"`
	Summary string       `json:"summary"` // Formatted for the LLM
}

type SceneCell struct {
	Cell   [3]int     `json:"cell"`
	Center [3]float64 `json:"center"`
	Score  float64    `json:"score"`
	Count  int        `json:"count"`
}

type SceneCellsResult struct {
	Step    uint64      `json:"step"`
	Cells   []SceneCell `json:"cells"`
	Summary string      `json:"summary"` // Formatted for the LLM
}

type SceneStatsResult struct {
	State           string  `json:"state"`
	Step            uint64  `json:"step"`
	Primitives      int     `json:"primitives"`
	LastLoss        float64 `json:"last_loss"`
	FramesProcessed uint64  `json:"frames_processed"`
	QueueDepth      int     `json:"queue_depth"`
	Checkpoints     int     `json:"checkpoints"`
	JournalFrames   uint64  `json:"journal_frames,omitempty"`
}

type SaveCheckpointResult struct {
	Path      string `json:"path"`
	Step      uint64 `json:"step"`
	SizeBytes int64  `json:"size_bytes"`
}

type CheckpointEntry struct {
	Path      string    `json:"path"`
	Step      uint64    `json:"step"`
	Precision string    `json:"precision"`
	SizeBytes int64     `json:"size_bytes"`
	SavedAt   time.Time `json:"saved_at"`
}

type ListCheckpointsResult struct {
	Checkpoints []CheckpointEntry `json:"checkpoints"`
}
