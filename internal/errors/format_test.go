package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatForCLI(t *testing.T) {
	err := New(ErrCodeFileNotFound, "cases.jsonl missing", nil).
		WithSuggestion("run 'faultmatch index' after placing the data file")

	out := FormatForCLI(err)
	assert.Contains(t, out, "Error: cases.jsonl missing")
	assert.Contains(t, out, "Hint: run 'faultmatch index'")
	assert.Contains(t, out, "Code: ERR_201_FILE_NOT_FOUND")

	assert.Equal(t, "", FormatForCLI(nil))
}

func TestFormatForCLI_WrapsPlainErrors(t *testing.T) {
	out := FormatForCLI(errors.New("plain failure"))
	assert.Contains(t, out, "plain failure")
	assert.Contains(t, out, ErrCodeInternal)
}

func TestFormatForLog(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New(ErrCodeBackendUnavailable, "opensearch down", cause).
		WithDetail("url", "http://localhost:9200")

	fields := FormatForLog(err)
	assert.Equal(t, ErrCodeBackendUnavailable, fields["error_code"])
	assert.Equal(t, "opensearch down", fields["message"])
	assert.Equal(t, "NETWORK", fields["category"])
	assert.Equal(t, true, fields["retryable"])
	assert.Equal(t, "dial tcp: refused", fields["cause"])
	assert.Equal(t, "http://localhost:9200", fields["detail_url"])

	assert.Nil(t, FormatForLog(nil))
	assert.Equal(t, map[string]any{"error": "x"}, FormatForLog(errors.New("x")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", New(ErrCodeQueryEmpty, "empty", nil), http.StatusBadRequest},
		{"network", New(ErrCodeNetworkTimeout, "timeout", nil), http.StatusBadGateway},
		{"all sources failed", New(ErrCodeAllSourcesFailed, "everything down", nil), http.StatusBadGateway},
		{"io", New(ErrCodeCorruptIndex, "corrupt", nil), http.StatusInternalServerError},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
