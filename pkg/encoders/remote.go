package encoders

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/semafield/semafield/pkg/core"
)

// RemoteEncoder talks to an embedding service over HTTP JSON. The
// service exposes /encode_image and /encode_text; crops are shipped as
// base64 float32 pixel payloads. Any transport or decode failure is
// wrapped in ErrEncoderUnavailable.
type RemoteEncoder struct {
	BaseURL string
	Model   string
	dim     int
	Client  *http.Client
}

// NewRemoteEncoder returns an encoder client for the service at baseURL
// producing dim-wide embeddings.
func NewRemoteEncoder(baseURL, model string, dim int, timeout time.Duration) *RemoteEncoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEncoder{
		BaseURL: baseURL,
		Model:   model,
		dim:     dim,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (e *RemoteEncoder) Dim() int { return e.dim }

type encodeImageRequest struct {
	Model  string `json:"model,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Pixels is base64 of the raw little-endian float32 RGB buffer.
	Pixels string `json:"pixels"`
}

type encodeTextRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type encodeResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EncodeCrop encodes one image crop.
func (e *RemoteEncoder) EncodeCrop(ctx context.Context, crop Crop) ([]float32, error) {
	if crop.Image == nil {
		return nil, fmt.Errorf("%w: nil crop image", ErrEncoderUnavailable)
	}
	req := encodeImageRequest{
		Model:  e.Model,
		Width:  crop.Image.W,
		Height: crop.Image.H,
		Pixels: base64.StdEncoding.EncodeToString(floatBytes(crop.Image.Pix)),
	}
	return e.post(ctx, "/encode_image", req)
}

// EncodeText encodes a text query.
func (e *RemoteEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return e.post(ctx, "/encode_text", encodeTextRequest{Model: e.Model, Text: text})
}

func (e *RemoteEncoder) post(ctx context.Context, path string, payload any) ([]float32, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrEncoderUnavailable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: encoder returned status %s", ErrEncoderUnavailable, resp.Status)
	}

	var out encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEncoderUnavailable, err)
	}
	if len(out.Embedding) != e.dim {
		return nil, fmt.Errorf("%w: embedding dim %d, want %d", ErrEncoderUnavailable, len(out.Embedding), e.dim)
	}
	return out.Embedding, nil
}

// RemoteAuxEncoder fetches a dense feature grid from an HTTP service
// exposing /encode_dense.
type RemoteAuxEncoder struct {
	BaseURL string
	Model   string
	featDim int
	Client  *http.Client
}

func NewRemoteAuxEncoder(baseURL, model string, featDim int, timeout time.Duration) *RemoteAuxEncoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteAuxEncoder{
		BaseURL: baseURL,
		Model:   model,
		featDim: featDim,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (e *RemoteAuxEncoder) FeatDim() int { return e.featDim }

type encodeDenseResponse struct {
	GridW    int       `json:"grid_w"`
	GridH    int       `json:"grid_h"`
	Dim      int       `json:"dim"`
	Features []float32 `json:"features"`
}

// EncodeDense fetches the per-pixel feature grid for img.
func (e *RemoteAuxEncoder) EncodeDense(ctx context.Context, img *core.Image) (*DenseFeatures, error) {
	req := encodeImageRequest{
		Model:  e.Model,
		Width:  img.W,
		Height: img.H,
		Pixels: base64.StdEncoding.EncodeToString(floatBytes(img.Pix)),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrEncoderUnavailable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/encode_dense", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: encoder returned status %s", ErrEncoderUnavailable, resp.Status)
	}

	var out encodeDenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEncoderUnavailable, err)
	}
	if out.Dim != e.featDim || len(out.Features) != out.GridW*out.GridH*out.Dim {
		return nil, fmt.Errorf("%w: malformed dense feature grid", ErrEncoderUnavailable)
	}
	return &DenseFeatures{
		GridW: out.GridW, GridH: out.GridH, Dim: out.Dim,
		Data: out.Features,
		SrcW: img.W, SrcH: img.H,
	}, nil
}

// floatBytes returns the little-endian byte view of a float32 slice.
func floatBytes(f []float32) []byte {
	out := make([]byte, 4*len(f))
	for i, v := range f {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}
