package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autokb/faultmatch/internal/errors"
)

const embeddingReply = `{
	"object": "list",
	"data": [{"object": "embedding", "index": 0, "embedding": [3.0, 4.0]}],
	"model": "test-model",
	"usage": {"prompt_tokens": 2, "total_tokens": 2}
}`

func newTestEmbedder(t *testing.T, serverURL string) *OpenAIEmbedder {
	t.Helper()
	e, err := NewOpenAIEmbedder(OpenAIConfig{
		BaseURL: serverURL + "/v1",
		APIKey:  "test-key",
		Model:   "test-model",
	})
	require.NoError(t, err)
	return e
}

func TestOpenAIEmbedder_NormalizesVectors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Write([]byte(embeddingReply))
	}))
	defer server.Close()

	e := newTestEmbedder(t, server.URL)
	vec, err := e.Embed(context.Background(), "制动踏板变软")
	require.NoError(t, err)

	require.Len(t, vec, 2)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.Equal(t, 2, e.Dimensions())
}

func TestOpenAIEmbedder_RetriesServerErrors(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			http.Error(w, `{"error": {"message": "overloaded", "type": "server_error"}}`,
				http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(embeddingReply))
	}))
	defer server.Close()

	e := newTestEmbedder(t, server.URL)
	_, err := e.Embed(context.Background(), "怠速抖动")
	require.NoError(t, err)
	assert.Equal(t, 3, requests)
}

func TestOpenAIEmbedder_NoRetryOnBadRequest(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, `{"error": {"message": "invalid model", "type": "invalid_request_error"}}`,
			http.StatusBadRequest)
	}))
	defer server.Close()

	e := newTestEmbedder(t, server.URL)
	_, err := e.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, 1, requests)
	assert.Equal(t, errors.ErrCodeEmbeddingFailed, errors.GetCode(err))
}
