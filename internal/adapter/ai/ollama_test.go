package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

type embedRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func newTestEmbedder(t *testing.T, handler http.HandlerFunc) *OllamaEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaEmbedder(OllamaEndpointConfig{BaseURL: srv.URL, Model: "bge-m3", Token: "secret"})
}

func TestEmbedSendsModelAndToken(t *testing.T) {
	var got embedRequest
	var auth string
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	})

	vec, err := e.Embed(context.Background(), "tanque diesel")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "bge-m3", got.Model)
	assert.JSONEq(t, `"tanque diesel"`, string(got.Input))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "bge-m3", e.ModelName())
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var inputs []string
		assert.NoError(t, json.Unmarshal(req.Input, &inputs))
		out := make([][]float32, len(inputs))
		for i := range inputs {
			out[i] = []float32{float32(i)}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{2}, vecs[2])
}

func TestEmbedBatchRejectsCountMismatch(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1]]}`))
	})

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.False(t, port.IsRetryable(err))
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tt.status)
			})

			_, err := e.Embed(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, port.IsRetryable(err))

			var pe *port.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestEmbedEmptyResponseIsFatal(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	})

	_, err := e.Embed(context.Background(), "x")
	require.ErrorIs(t, err, port.ErrEmptyEmbedding)
	assert.False(t, port.IsRetryable(err))
}

func TestEmbedMalformedJSONIsFatal(t *testing.T) {
	e := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, port.IsRetryable(err))
}
