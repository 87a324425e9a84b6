package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/models"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", WithAPIKey("k"))
	require.NoError(t, err)
	return c
}

func TestSubmitJob(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req models.JobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Job{ID: "j1", InputPath: req.Path, State: models.JobStateQueued})
	})

	job, dedup, err := c.SubmitJob(context.Background(), "/in/a.mkv")
	require.NoError(t, err)
	assert.False(t, dedup)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "/in/a.mkv", job.InputPath)
}

func TestListJobsFilter(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "running", r.URL.Query().Get("state"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":  []models.Job{{ID: "a"}, {ID: "b"}},
			"count": 2,
		})
	})
	list, err := c.ListJobs(context.Background(), models.JobStateRunning)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAPIError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":404,"message":"job not found"}`))
	})

	_, err := c.GetStatus(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "job not found", apiErr.Message)
}

func TestCancelAndCheckpoint(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/j1/cancel":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"status":"canceled","job_id":"j1"}`))
		case "/jobs/j1/checkpoint":
			w.Write([]byte(`{"job_id":"j1","checkpoints":["/state/k-audio"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	require.NoError(t, c.CancelJob(context.Background(), "j1"))
	dirs, err := c.CheckpointJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/state/k-audio"}, dirs)
}
