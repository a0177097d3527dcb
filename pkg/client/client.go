// Package client provides a Go client for the semafield HTTP API.
//
// It offers a type-safe way to perform all daemon operations, including:
//   - Posed-frame ingestion (SendFrame).
//   - Relevancy queries over primitives and voxel cells (Query, QueryCells).
//   - Background multi-prompt sweeps (QuerySweep).
//   - Scene introspection (Stats, Primitives).
//   - Checkpoint administration (SaveCheckpoint, Checkpoints, GetTaskStatus).
//
// The client handles HTTP communication, JSON encoding, bearer-token
// authentication and standardized error handling.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/semafield/semafield/pkg/core"
)

// --- Custom errors ---

// APIError represents an error returned by the semafield API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// --- JSON wire structs ---

type intrinsicsBody struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

type frameRequest struct {
	TimestampUnixNano int64          `json:"timestamp_unix_nano"`
	Position          [3]float64     `json:"position"`
	Orientation       [4]float64     `json:"orientation"`
	Intrinsics        intrinsicsBody `json:"intrinsics"`
	PixelsRGB8        []byte         `json:"pixels_rgb8"`
}

type frameResponse struct {
	FrameID string `json:"frame_id"`
	Status  string `json:"status"`
}

type queryRequest struct {
	Text       string   `json:"text"`
	Level      *int     `json:"level,omitempty"`
	SweepSteps int      `json:"sweep_steps,omitempty"`
	Negatives  []string `json:"negatives,omitempty"`
	MinAlpha   *float64 `json:"min_alpha,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	CellSize   float64  `json:"cell_size,omitempty"`
}

type sweepRequest struct {
	Prompts    []string `json:"prompts"`
	Level      *int     `json:"level,omitempty"`
	SweepSteps int      `json:"sweep_steps,omitempty"`
	Negatives  []string `json:"negatives,omitempty"`
	MinAlpha   *float64 `json:"min_alpha,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
}

// QueryOptions tunes a relevancy query. The zero value asks for the
// server defaults: a full scale sweep with the canonical negatives.
type QueryOptions struct {
	// Level selects a single bundle level; nil sweeps the scale axis.
	Level      *int
	SweepSteps int
	Negatives  []string
	MinAlpha   *float64
	TopK       int
}

// QueryResult is one scored primitive.
type QueryResult struct {
	ID      uint32     `json:"id"`
	Score   float64    `json:"score"`
	Scale   float64    `json:"scale"`
	Center  [3]float64 `json:"center"`
	Alpha   float32    `json:"alpha"`
	Invalid bool       `json:"invalid,omitempty"`
}

// QueryResponse is the ranked answer to a query.
type QueryResponse struct {
	Step    uint64        `json:"step"`
	Results []QueryResult `json:"results"`
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

// SweepEntry is the ranked answer for one prompt of a sweep.
type SweepEntry struct {
	Text    string        `json:"text"`
	Results []QueryResult `json:"results"`
}

// SweepResponse is the result a completed sweep task carries.
type SweepResponse struct {
	Step   uint64       `json:"step"`
	Sweeps []SweepEntry `json:"sweeps"`
}

// QueueStats mirrors the daemon's ingestion queue counters.
type QueueStats struct {
	Accepted          uint64 `json:"accepted"`
	RejectedFull      uint64 `json:"rejected_full"`
	RejectedRedundant uint64 `json:"rejected_redundant"`
	Dequeued          uint64 `json:"dequeued"`
	Depth             int    `json:"depth"`
}

// Stats is the engine health surface.
type Stats struct {
	State           string            `json:"state"`
	Step            uint64            `json:"step"`
	Primitives      int               `json:"primitives"`
	LastLoss        float64           `json:"last_loss"`
	FramesProcessed uint64            `json:"frames_processed"`
	FramesSkipped   uint64            `json:"frames_skipped"`
	StepsDiverged   uint64            `json:"steps_diverged"`
	Refines         uint64            `json:"refines"`
	EncoderStreak   int64             `json:"encoder_outage_streak"`
	Queue           QueueStats        `json:"queue"`
	Events          map[string]uint64 `json:"events,omitempty"`
	Checkpoints     int               `json:"checkpoints"`
	JournalFrames   uint64            `json:"journal_frames,omitempty"`
}

// Primitive is one scene primitive without its embedding bundle.
type Primitive struct {
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
type PrimitivesResponse struct {
	Step       uint64      `json:"step"`
	Total      int         `json:"total"`
	Primitives []Primitive `json:"primitives"`
}

// PrimitivesOptions narrows a primitive listing. Nil bounds leave the
// corresponding side of the region unbounded.
type PrimitivesOptions struct {
	Limit int
	MinX  *float64
	MaxX  *float64
	MinY  *float64
	MaxY  *float64
	MinZ  *float64
	MaxZ  *float64
}

// CheckpointInfo describes one on-disk checkpoint.
type CheckpointInfo struct {
	Path      string    `json:"path"`
	Step      uint64    `json:"step"`
	Precision string    `json:"precision"`
	SizeBytes int64     `json:"size_bytes"`
	SavedAt   time.Time `json:"saved_at"`
}

type checkpointsResponse struct {
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

// Task represents an asynchronous operation on the semafield server.
type Task struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`

	client *Client // Reference to the client for polling.
}

// --- Client ---

// Client is the Go client for a semafield daemon.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL, such as
// "http://localhost:9091". An empty authToken sends no Authorization
// header.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes one API request. It handles JSON serialization,
// authentication and error mapping.
func (c *Client) jsonRequest(method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil && errResp["error"] != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return respBody, nil
}

// Health checks the daemon's liveness probe.
func (c *Client) Health() error {
	_, err := c.jsonRequest(http.MethodGet, "/healthz", nil)
	return err
}

// --- Frame ingestion ---

// SendFrame submits one posed frame to the ingestion queue and returns
// the ID the daemon assigned to it. The queue's backpressure and
// redundancy rejections come back as an *APIError with status 429.
func (c *Client) SendFrame(f *core.PosedFrame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", fmt.Errorf("invalid frame: %w", err)
	}

	pix := make([]byte, len(f.Image.Pix))
	for i, v := range f.Image.Pix {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		pix[i] = byte(v*255 + 0.5)
	}
	payload := frameRequest{
		TimestampUnixNano: f.Timestamp.UnixNano(),
		Position:          [3]float64{f.Pose.Position.X, f.Pose.Position.Y, f.Pose.Position.Z},
		Orientation: [4]float64{
			f.Pose.Orientation.Real, f.Pose.Orientation.Imag,
			f.Pose.Orientation.Jmag, f.Pose.Orientation.Kmag,
		},
		Intrinsics: intrinsicsBody{
			Fx: f.Intrinsics.Fx, Fy: f.Intrinsics.Fy,
			Cx: f.Intrinsics.Cx, Cy: f.Intrinsics.Cy,
			Width: f.Intrinsics.Width, Height: f.Intrinsics.Height,
		},
		PixelsRGB8: pix,
	}

	respBody, err := c.jsonRequest(http.MethodPost, "/api/v1/frames", payload)
	if err != nil {
		return "", err
	}
	var resp frameResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("invalid JSON response for SendFrame: %w", err)
	}
	return resp.FrameID, nil
}

// --- Query methods ---

func (o QueryOptions) request(text string, cellSize float64) queryRequest {
	return queryRequest{
		Text:       text,
		Level:      o.Level,
		SweepSteps: o.SweepSteps,
		Negatives:  o.Negatives,
		MinAlpha:   o.MinAlpha,
		TopK:       o.TopK,
		CellSize:   cellSize,
	}
}

// Query ranks scene primitives against a text prompt.
func (c *Client) Query(text string, opts QueryOptions) (*QueryResponse, error) {
	respBody, err := c.jsonRequest(http.MethodPost, "/api/v1/query", opts.request(text, 0))
	if err != nil {
		return nil, err
	}
	var resp QueryResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response for Query: %w", err)
	}
	return &resp, nil
}

// QueryCells aggregates relevancy over a voxel grid of the given cell
// edge length.
func (c *Client) QueryCells(text string, cellSize float64, opts QueryOptions) (*CellQueryResponse, error) {
	respBody, err := c.jsonRequest(http.MethodPost, "/api/v1/query/cells", opts.request(text, cellSize))
	if err != nil {
		return nil, err
	}
	var resp CellQueryResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response for QueryCells: %w", err)
	}
	return &resp, nil
}

// QuerySweep ranks a batch of prompts as one background task and returns
// the Task to poll. On completion the task's Result holds a
// SweepResponse with one entry per prompt, in request order.
func (c *Client) QuerySweep(prompts []string, opts QueryOptions) (*Task, error) {
	payload := sweepRequest{
		Prompts:    prompts,
		Level:      opts.Level,
		SweepSteps: opts.SweepSteps,
		Negatives:  opts.Negatives,
		MinAlpha:   opts.MinAlpha,
		TopK:       opts.TopK,
	}
	respBody, err := c.jsonRequest(http.MethodPost, "/api/v1/query/sweep", payload)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("invalid JSON response for QuerySweep: %w", err)
	}
	task.client = c
	return &task, nil
}

// --- Scene introspection ---

// Stats retrieves the engine health counters.
func (c *Client) Stats() (*Stats, error) {
	respBody, err := c.jsonRequest(http.MethodGet, "/api/v1/scene/stats", nil)
	if err != nil {
		return nil, err
	}
	var resp Stats
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response for Stats: %w", err)
	}
	return &resp, nil
}

// Primitives lists primitives, optionally restricted to an axis-aligned
// region.
func (c *Client) Primitives(opts PrimitivesOptions) (*PrimitivesResponse, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	setBound := func(key string, v *float64) {
		if v != nil {
			q.Set(key, strconv.FormatFloat(*v, 'g', -1, 64))
		}
	}
	setBound("min_x", opts.MinX)
	setBound("max_x", opts.MaxX)
	setBound("min_y", opts.MinY)
	setBound("max_y", opts.MaxY)
	setBound("min_z", opts.MinZ)
	setBound("max_z", opts.MaxZ)

	endpoint := "/api/v1/scene/primitives"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	respBody, err := c.jsonRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp PrimitivesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response for Primitives: %w", err)
	}
	return &resp, nil
}

// --- Checkpoint administration ---

// SaveCheckpoint triggers an async checkpoint save and returns a Task
// to poll. On completion the task's Result holds a CheckpointInfo.
func (c *Client) SaveCheckpoint() (*Task, error) {
	respBody, err := c.jsonRequest(http.MethodPost, "/api/v1/checkpoints", nil)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("invalid JSON response for SaveCheckpoint: %w", err)
	}
	task.client = c // Inject the client to allow polling.
	return &task, nil
}

// Checkpoints lists the daemon's checkpoint catalog, oldest first.
func (c *Client) Checkpoints() ([]CheckpointInfo, error) {
	respBody, err := c.jsonRequest(http.MethodGet, "/api/v1/checkpoints", nil)
	if err != nil {
		return nil, err
	}
	var resp checkpointsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON response for Checkpoints: %w", err)
	}
	return resp.Checkpoints, nil
}

// GetTaskStatus retrieves the status of a long-running task.
func (c *Client) GetTaskStatus(taskID string) (*Task, error) {
	respBody, err := c.jsonRequest(http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("invalid JSON response for GetTaskStatus: %w", err)
	}
	task.client = c
	return &task, nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh() error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updated, err := t.client.GetTaskStatus(t.ID)
	if err != nil {
		return err
	}
	t.Status = updated.Status
	t.ProgressMessage = updated.ProgressMessage
	t.Error = updated.Error
	t.Result = updated.Result
	return nil
}

// Wait blocks until the task finishes, checking its status at regular
// intervals.
func (t *Task) Wait(interval, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout exceeded while waiting for task %s", t.ID)
		case <-ticker.C:
			if err := t.Refresh(); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
			case "pending", "running":
				// Continue waiting.
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}
