package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifierClientProbabilityOf(t *testing.T) {
	var got classifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"scores":{"flower":0.91,"background":0.05}}`))
	}))
	defer srv.Close()

	client := NewClassifierClient(srv.URL + "/")
	score, err := client.ProbabilityOf(context.Background(), "https://cdn.example/k1", "flower")
	require.NoError(t, err)
	assert.InDelta(t, 0.91, score, 1e-9)

	assert.Equal(t, "https://cdn.example/k1", got.ImageURL)
	assert.Equal(t, []string{"background", "other", "unknown", "none", "flower"}, got.CandidateLabels)

	// a label that is already a candidate is not repeated
	_, err = client.ProbabilityOf(context.Background(), "u", "other")
	require.NoError(t, err)
	assert.Equal(t, OtherLabels, got.CandidateLabels)
}

func TestClassifierClientMissingScoreIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":{}}`))
	}))
	defer srv.Close()

	score, err := NewClassifierClient(srv.URL).ProbabilityOf(context.Background(), "u", "flower")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestClassifierClientErrors(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	_, err := NewClassifierClient(down.URL).ProbabilityOf(context.Background(), "u", "flower")
	assert.ErrorContains(t, err, "classifier returned 503")

	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer garbled.Close()

	_, err = NewClassifierClient(garbled.URL).ProbabilityOf(context.Background(), "u", "flower")
	assert.ErrorContains(t, err, "decode classifier response")
}
