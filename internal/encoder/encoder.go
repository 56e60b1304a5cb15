// Package encoder implements the C1 Encoder Gateway: an HTTP client to the
// external embedding service, built around an explicit *http.Client, a
// timeout, and plain JSON marshal/unmarshal, no generated SDK.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/models"
)

// Gateway calls the external encoder service that turns a video file into a
// global embedding and a per-timestep temporal matrix. The encoder's own
// model internals are out of scope for this module.
type Gateway struct {
	client  *http.Client
	baseURL string
	model   string
	log     zerolog.Logger
}

// Config configures a Gateway.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New builds a Gateway with a bounded connection pool rather than relying
// on http.DefaultClient.
func New(cfg Config, log zerolog.Logger) *Gateway {
	return &Gateway{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		log:     log,
	}
}

type encodeRequest struct {
	VideoPath string `json:"video_path"`
	Model     string `json:"model"`
}

type encodeResponse struct {
	Global       []float32   `json:"global"`
	Temporal     [][]float32 `json:"temporal"`
	ProcessingMS float64     `json:"processing_ms"`
}

// Encode submits a local video path to the encoder service and returns the
// resulting global embedding and temporal matrix. Errors are mapped to the
// decode_error/resource_error/encoder_error kinds.
func (g *Gateway) Encode(ctx context.Context, videoPath string) (*models.EncodeResult, error) {
	reqBody, err := json.Marshal(encodeRequest{VideoPath: videoPath, Model: g.model})
	if err != nil {
		return nil, models.NewError(models.KindInternal, "marshal encode request", err)
	}

	url := g.baseURL + "/encode"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, models.NewError(models.KindInternal, "build encode request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	g.log.Debug().Str("video_path", videoPath).Str("model", g.model).Msg("encoding video")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewError(models.KindTimeout, "encode request deadline exceeded", err)
		}
		return nil, models.NewError(models.KindResourceError, "encode request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.KindIOError, "read encode response", err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		return nil, models.NewError(models.KindDecodeError, fmt.Sprintf("encoder rejected input: %s", body), nil)
	}
	if resp.StatusCode >= 500 {
		return nil, models.NewError(models.KindEncoderError, fmt.Sprintf("encoder service error: %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.KindEncoderError, fmt.Sprintf("unexpected encoder status: %d", resp.StatusCode), nil)
	}

	var out encodeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, models.NewError(models.KindDecodeError, "unmarshal encode response", err)
	}
	if len(out.Global) == 0 {
		return nil, models.NewError(models.KindEncoderError, "encoder returned empty global embedding", nil)
	}

	return &models.EncodeResult{
		Global:       out.Global,
		Temporal:     out.Temporal,
		ProcessingMS: out.ProcessingMS,
	}, nil
}
