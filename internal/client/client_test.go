package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

func TestClientRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/jobs":
			var req engine.CreateRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, domain.TypeReposeBatch, req.Type)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"jobId":"j1"}`))
		case "GET /v1/jobs":
			assert.Equal(t, []string{"RUNNING", "PAUSED"}, r.URL.Query()["status"])
			_, _ = w.Write([]byte(`{"jobs":[{"id":"j1","status":"RUNNING"}]}`))
		case "POST /v1/jobs/j1/resume":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"accepted":true,"job":{"id":"j1","status":"RUNNING"}}`))
		case "POST /v1/jobs/j1/pause":
			_, _ = w.Write([]byte(`{"id":"j1","status":"PAUSED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found: resume target missing"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx := context.Background()

	id, err := c.Create(ctx, engine.CreateRequest{Type: domain.TypeReposeBatch})
	require.NoError(t, err)
	assert.Equal(t, "j1", id)

	jobs, err := c.List(ctx, []string{"RUNNING", "PAUSED"}, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job, err := c.Action(ctx, "j1", "resume")
	require.NoError(t, err)
	assert.Equal(t, domain.Running, job.Status)

	job, err = c.Action(ctx, "j1", "pause")
	require.NoError(t, err)
	assert.Equal(t, domain.Paused, job.Status)

	_, err = c.Get(ctx, "j2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "job not found")
}
