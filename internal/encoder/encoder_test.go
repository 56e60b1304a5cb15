package encoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionmatch/engine/internal/models"
)

func newGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	g := New(Config{BaseURL: srv.URL, Model: "motion-v1", Timeout: 2 * time.Second}, zerolog.Nop())
	return g, srv.Close
}

func TestEncodeSuccess(t *testing.T) {
	g, closeFn := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req encodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/tmp/video.mp4", req.VideoPath)
		assert.Equal(t, "motion-v1", req.Model)

		resp := encodeResponse{
			Global:       []float32{0.1, 0.2, 0.3},
			Temporal:     [][]float32{{0.1, 0.2}, {0.3, 0.4}},
			ProcessingMS: 42.5,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	defer closeFn()

	result, err := g.Encode(context.Background(), "/tmp/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, result.Global)
	assert.Len(t, result.Temporal, 2)
	assert.Equal(t, 42.5, result.ProcessingMS)
}

func TestEncodeDecodeErrorOnBadRequest(t *testing.T) {
	g, closeFn := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("unsupported codec"))
	})
	defer closeFn()

	_, err := g.Encode(context.Background(), "/tmp/video.mp4")
	require.Error(t, err)
	assert.Equal(t, models.KindDecodeError, models.KindOf(err))
}

func TestEncodeServiceErrorOn5xx(t *testing.T) {
	g, closeFn := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer closeFn()

	_, err := g.Encode(context.Background(), "/tmp/video.mp4")
	require.Error(t, err)
	assert.Equal(t, models.KindEncoderError, models.KindOf(err))
}

func TestEncodeEmptyGlobalIsEncoderError(t *testing.T) {
	g, closeFn := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(encodeResponse{})
	})
	defer closeFn()

	_, err := g.Encode(context.Background(), "/tmp/video.mp4")
	require.Error(t, err)
	assert.Equal(t, models.KindEncoderError, models.KindOf(err))
}

func TestEncodeTimeout(t *testing.T) {
	g, closeFn := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()
	g.client.Timeout = 10 * time.Millisecond

	_, err := g.Encode(context.Background(), "/tmp/video.mp4")
	require.Error(t, err)
	assert.Equal(t, models.KindResourceError, models.KindOf(err))
}
