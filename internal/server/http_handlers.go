package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/ingest"
)

// defaultPrimitivesLimit caps an unbounded region listing.
const defaultPrimitivesLimit = 1000

// maxSweepPrompts caps one sweep task; each prompt costs a text encode
// plus a full scene pass.
const maxSweepPrompts = 64

// registerHTTPHandlers sets up the REST API routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/frames", s.handleEnqueueFrame)
	mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	mux.HandleFunc("POST /api/v1/query/cells", s.handleQueryCells)
	mux.HandleFunc("POST /api/v1/query/sweep", s.handleQuerySweep)
	mux.HandleFunc("GET /api/v1/scene/stats", s.handleSceneStats)
	mux.HandleFunc("GET /api/v1/scene/primitives", s.handleScenePrimitives)
	mux.HandleFunc("POST /api/v1/checkpoints", s.handleSaveCheckpoint)
	mux.HandleFunc("GET /api/v1/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
}

// handleEnqueueFrame accepts one posed frame into the ingestion queue.
// Rejections by the queue come back as 429 with the reason so the robot
// can tell "slow down" from "stop sending this viewpoint".
func (s *Server) handleEnqueueFrame(w http.ResponseWriter, r *http.Request) {
	var req FrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	frame, err := frameFromRequest(&req)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Engine.EnqueueFrame(frame); err != nil {
		switch {
		case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrRedundantPose):
			s.writeHTTPError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, ingest.ErrQueueClosed):
			s.writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeHTTPResponse(w, http.StatusAccepted, FrameResponse{
		FrameID: frame.ID.String(),
		Status:  "accepted",
	})
}

func frameFromRequest(req *FrameRequest) (*core.PosedFrame, error) {
	in := req.Intrinsics
	if in.Width <= 0 || in.Height <= 0 || in.Width > core.MaxImageDim || in.Height > core.MaxImageDim {
		return nil, fmt.Errorf("implausible image dimensions %dx%d", in.Width, in.Height)
	}
	if want := 3 * in.Width * in.Height; len(req.PixelsRGB8) != want {
		return nil, fmt.Errorf("pixels_rgb8 holds %d bytes, want %d for %dx%d RGB8",
			len(req.PixelsRGB8), want, in.Width, in.Height)
	}

	img := core.NewImage(in.Width, in.Height)
	for i, b := range req.PixelsRGB8 {
		img.Pix[i] = float32(b) / 255
	}
	pose := core.Pose{
		Position: r3.Vec{X: req.Position[0], Y: req.Position[1], Z: req.Position[2]},
		Orientation: quat.Number{
			Real: req.Orientation[0],
			Imag: req.Orientation[1],
			Jmag: req.Orientation[2],
			Kmag: req.Orientation[3],
		},
	}
	ts := time.Now()
	if req.TimestampUnixNano != 0 {
		ts = time.Unix(0, req.TimestampUnixNano)
	}
	intr := core.Intrinsics{
		Fx: in.Fx, Fy: in.Fy, Cx: in.Cx, Cy: in.Cy,
		Width: in.Width, Height: in.Height,
	}
	return core.NewPosedFrame(img, pose, intr, ts)
}

// handleQuery ranks primitives against a text prompt.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "text is required")
		return
	}

	step := s.Engine.SceneView().Step
	results, err := s.Engine.Query(r.Context(), req.Text, req.options())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, newQueryResponse(step, results))
}

// handleQueryCells ranks voxel cells against a text prompt.
func (s *Server) handleQueryCells(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.CellSize <= 0 {
		s.writeHTTPError(w, http.StatusBadRequest, "cell_size must be positive")
		return
	}

	step := s.Engine.SceneView().Step
	cells, err := s.Engine.QueryCells(r.Context(), req.Text, req.CellSize, req.options())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, newCellQueryResponse(step, cells))
}

// handleQuerySweep ranks a batch of prompts as one background task. An
// agent scanning a room for a list of objects polls a single task
// instead of issuing a request per prompt.
func (s *Server) handleQuerySweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Prompts) == 0 {
		s.writeHTTPError(w, http.StatusBadRequest, "prompts is required")
		return
	}
	if len(req.Prompts) > maxSweepPrompts {
		s.writeHTTPError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d prompts per sweep, got %d", maxSweepPrompts, len(req.Prompts)))
		return
	}
	for i, p := range req.Prompts {
		if strings.TrimSpace(p) == "" {
			s.writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("prompts[%d] is empty", i))
			return
		}
	}

	opts := req.options()
	prompts := append([]string(nil), req.Prompts...)
	task := s.taskManager.NewTask()
	go func() {
		// The request context dies with the handler; the sweep outlives it.
		ctx := context.Background()
		result := SweepResult{Step: s.Engine.SceneView().Step}
		for i, text := range prompts {
			task.SetRunning(fmt.Sprintf("prompt %d/%d", i+1, len(prompts)))
			results, err := s.Engine.Query(ctx, text, opts)
			if err != nil {
				task.Fail(fmt.Errorf("prompt %q: %w", text, err))
				return
			}
			result.Sweeps = append(result.Sweeps, SweepEntry{
				Text:    text,
				Results: newQueryResults(results),
			})
		}
		task.Complete(result)
	}()

	s.writeHTTPResponse(w, http.StatusAccepted, task.Snapshot())
}

// writeQueryError distinguishes an unreachable encoder (upstream fault)
// from a malformed query (caller fault).
func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, encoders.ErrEncoderUnavailable) {
		s.writeHTTPError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeHTTPError(w, http.StatusBadRequest, err.Error())
}

// handleSceneStats reports optimizer, queue, event and checkpoint
// counters in one payload.
func (s *Server) handleSceneStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, newStatsResponse(s.Engine.Stats()))
}

// handleScenePrimitives lists primitives, optionally restricted to an
// axis-aligned region via min_x..max_z query parameters.
func (s *Server) handleScenePrimitives(w http.ResponseWriter, r *http.Request) {
	bounds, err := regionFromQuery(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultPrimitivesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeHTTPError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	view := s.Engine.SceneView()
	resp := PrimitivesResponse{Step: view.Step, Primitives: []PrimitiveBody{}}
	for i := range view.Prims {
		p := &view.Prims[i]
		if !bounds.contains(p.Center) {
			continue
		}
		resp.Total++
		if len(resp.Primitives) >= limit {
			continue
		}
		resp.Primitives = append(resp.Primitives, PrimitiveBody{
			ID:     p.ID,
			Center: [3]float64{p.Center.X, p.Center.Y, p.Center.Z},
			Scale:  [3]float64{p.Scale.X, p.Scale.Y, p.Scale.Z},
			Rotation: [4]float64{
				p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
			},
			Alpha:       p.Alpha,
			Color:       p.Color,
			ScaleWeight: p.ScaleWeight,
			ObsCount:    p.ObsCount,
		})
	}
	s.writeHTTPResponse(w, http.StatusOK, resp)
}

// region is an axis-aligned bounding box; unset sides are unbounded.
type region struct {
	min, max [3]float64
	hasMin   [3]bool
	hasMax   [3]bool
}

func (b region) contains(v r3.Vec) bool {
	c := [3]float64{v.X, v.Y, v.Z}
	for i := 0; i < 3; i++ {
		if b.hasMin[i] && c[i] < b.min[i] {
			return false
		}
		if b.hasMax[i] && c[i] > b.max[i] {
			return false
		}
	}
	return true
}

func regionFromQuery(r *http.Request) (region, error) {
	var b region
	q := r.URL.Query()
	for i, axis := range [3]string{"x", "y", "z"} {
		if v := q.Get("min_" + axis); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return b, fmt.Errorf("min_%s: %w", axis, err)
			}
			b.min[i], b.hasMin[i] = f, true
		}
		if v := q.Get("max_" + axis); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return b, fmt.Errorf("max_%s: %w", axis, err)
			}
			b.max[i], b.hasMax[i] = f, true
		}
	}
	return b, nil
}

// handleSaveCheckpoint starts an async checkpoint save and returns the
// task to poll. Saves can take a while on large scenes; holding the
// request open would just invite client timeouts.
func (s *Server) handleSaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	task := s.taskManager.NewTask()
	go func() {
		task.SetRunning("serializing scene")
		info, err := s.Engine.SaveCheckpoint()
		if err != nil {
			task.Fail(err)
			return
		}
		task.Complete(newCheckpointBody(info))
	}()

	s.writeHTTPResponse(w, http.StatusAccepted, task.Snapshot())
}

// handleListCheckpoints lists the checkpoint catalog, oldest first.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	infos := s.Engine.Checkpoints()
	out := make([]CheckpointBody, 0, len(infos))
	for _, info := range infos {
		out = append(out, newCheckpointBody(info))
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"checkpoints": out})
}

// handleGetTask reports the state of an async task.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, found := s.taskManager.Get(id)
	if !found {
		s.writeHTTPError(w, http.StatusNotFound, fmt.Sprintf("task %q not found", id))
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.Snapshot())
}

// handleHealthz is the unauthenticated liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Response helpers ---

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
