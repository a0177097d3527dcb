package mcp

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/semafield/semafield/pkg/engine"
	"github.com/semafield/semafield/pkg/query"
)

// defaultTopK keeps tool answers short enough to fit an agent's context.
const defaultTopK = 10

type Service struct {
	engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

func (s *Service) queryOptions(level *int, topK int, negatives []string, minAlpha float64) query.Options {
	opts := query.DefaultOptions()
	if level != nil {
		opts.Level = *level
	}
	opts.TopK = topK
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if len(negatives) > 0 {
		opts.Negatives = negatives
	}
	if minAlpha > 0 {
		opts.MinAlpha = float32(minAlpha)
	}
	return opts
}

// --- Tool handlers ---

func (s *Service) SceneQuery(ctx context.Context, req *mcp.CallToolRequest, args SceneQueryArgs) (*mcp.CallToolResult, SceneQueryResult, error) {
	if strings.TrimSpace(args.Text) == "" {
		return nil, SceneQueryResult{}, fmt.Errorf("text is required")
	}

	step := s.engine.SceneView().Step
	results, err := s.engine.Query(ctx, args.Text, s.queryOptions(args.Level, args.TopK, args.Negatives, args.MinAlpha))
	if err != nil {
		return nil, SceneQueryResult{}, fmt.Errorf("query scene: %w", err)
	}

	res := SceneQueryResult{Step: step, Matches: make([]SceneMatch, 0, len(results))}
	for _, r := range results {
		// Invalid entries carry NaN scores; an agent cannot act on
		// them and JSON cannot carry them.
		if r.Invalid {
			continue
		}
		res.Matches = append(res.Matches, SceneMatch{
			ID:     r.ID,
			Score:  r.Score,
			Scale:  r.Scale,
			Center: [3]float64{r.Center.X, r.Center.Y, r.Center.Z},
		})
	}
	res.Summary = formatMatches(args.Text, res.Matches)
	return nil, res, nil
}

func (s *Service) SceneCells(ctx context.Context, req *mcp.CallToolRequest, args SceneCellsArgs) (*mcp.CallToolResult, SceneCellsResult, error) {
	if strings.TrimSpace(args.Text) == "" {
		return nil, SceneCellsResult{}, fmt.Errorf("text is required")
	}
	if args.CellSize <= 0 {
		return nil, SceneCellsResult{}, fmt.Errorf("cell_size must be positive")
	}

	step := s.engine.SceneView().Step
	cells, err := s.engine.QueryCells(ctx, args.Text, args.CellSize, s.queryOptions(nil, args.TopK, nil, 0))
	if err != nil {
		return nil, SceneCellsResult{}, fmt.Errorf("query cells: %w", err)
	}

	res := SceneCellsResult{Step: step, Cells: make([]SceneCell, 0, len(cells))}
	for _, c := range cells {
		res.Cells = append(res.Cells, SceneCell{
			Cell:   c.Cell,
			Center: [3]float64{c.Center.X, c.Center.Y, c.Center.Z},
			Score:  c.Score,
			Count:  c.Count,
		})
	}
	res.Summary = formatCells(args.Text, res.Cells)
	return nil, res, nil
}

func (s *Service) SceneStats(ctx context.Context, req *mcp.CallToolRequest, args SceneStatsArgs) (*mcp.CallToolResult, SceneStatsResult, error) {
	st := s.engine.Stats()
	return nil, SceneStatsResult{
		State:           string(st.State),
		Step:            st.Step,
		Primitives:      st.Primitives,
		LastLoss:        finiteOrZero(st.Optimizer.LastLoss),
		FramesProcessed: st.Optimizer.FramesProcessed,
		QueueDepth:      st.Queue.Depth,
		Checkpoints:     st.Checkpoints,
		JournalFrames:   st.JournalFrames,
	}, nil
}

func (s *Service) SaveCheckpoint(ctx context.Context, req *mcp.CallToolRequest, args SaveCheckpointArgs) (*mcp.CallToolResult, SaveCheckpointResult, error) {
	info, err := s.engine.SaveCheckpoint()
	if err != nil {
		return nil, SaveCheckpointResult{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return nil, SaveCheckpointResult{
		Path:      info.Path,
		Step:      info.Step,
		SizeBytes: info.Size,
	}, nil
}

func (s *Service) ListCheckpoints(ctx context.Context, req *mcp.CallToolRequest, args ListCheckpointsArgs) (*mcp.CallToolResult, ListCheckpointsResult, error) {
	infos := s.engine.Checkpoints()
	res := ListCheckpointsResult{Checkpoints: make([]CheckpointEntry, 0, len(infos))}
	for _, info := range infos {
		res.Checkpoints = append(res.Checkpoints, CheckpointEntry{
			Path:      info.Path,
			Step:      info.Step,
			Precision: string(info.Precision),
			SizeBytes: info.Size,
			SavedAt:   info.SavedAt,
		})
	}
	return nil, res, nil
}

// --- Formatting ---

// formatMatches renders matches as lines an agent can quote directly,
// positions in world meters.
func formatMatches(text string, matches []SceneMatch) string {
	if len(matches) == 0 {
		return fmt.Sprintf("Nothing in the scene matches %q.", text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Top matches for %q:\n", text)
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. primitive %d at (%.2f, %.2f, %.2f), score %.3f, scale %.2fm\n",
			i+1, m.ID, m.Center[0], m.Center[1], m.Center[2], m.Score, m.Scale)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCells(text string, cells []SceneCell) string {
	if len(cells) == 0 {
		return fmt.Sprintf("No region of the scene matches %q.", text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Regions matching %q, best first:\n", text)
	for i, c := range cells {
		fmt.Fprintf(&b, "%d. around (%.2f, %.2f, %.2f), score %.3f, %d primitives\n",
			i+1, c.Center[0], c.Center[1], c.Center[2], c.Score, c.Count)
	}
	return strings.TrimRight(b.String(), "\n")
}

// finiteOrZero guards the JSON encoding of the structured result, which
// rejects NaN and infinities.
func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
