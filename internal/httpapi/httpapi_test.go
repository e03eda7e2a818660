package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/httpapi"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

type fakePresigner struct{}

func (fakePresigner) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string) (objectstore.PresignResult, error) {
	return objectstore.PresignResult{URL: "https://signed.example/" + bucket + "/" + key}, nil
}

func newServer(t *testing.T) *httpapi.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	c := store.New(pool)
	keys := schema.NewKeys("rwos")
	constants := schema.DefaultConstants()

	jobs := jobmanager.New(c, keys, constants)
	adm := admission.New(c, keys, constants)

	return httpapi.New(jobs, adm, nil, spawner.Config{}, fakePresigner{}, c, keys, "input-bucket", time.Hour)
}

func TestUploadCreatesUploadingJob(t *testing.T) {
	srv := newServer(t)

	body, _ := json.Marshal(map[string]string{"filename": "v.mp4"})
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		JobID     string `json:"jobId"`
		UploadURL string `json:"uploadUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Contains(t, resp.UploadURL, "input-bucket")
}

func TestCreateJobThenGetJob(t *testing.T) {
	srv := newServer(t)

	body, _ := json.Marshal(map[string]string{
		"inputUrl":  "https://u/in.mp4",
		"outputUrl": "outputs/j1",
		"preset":    "default",
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created schema.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	getW := httptest.NewRecorder()
	srv.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)
}

func TestCreateJobPersistsR2Config(t *testing.T) {
	srv := newServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"inputUrl":  "https://u/in.mp4",
		"outputUrl": "outputs/j1",
		"preset":    "default",
		"r2Config":  map[string]string{"bucket": "custom-bucket", "region": "auto"},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created schema.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, map[string]string{"bucket": "custom-bucket", "region": "auto"}, created.R2Config)

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	getW := httptest.NewRecorder()
	srv.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var fetched schema.Job
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &fetched))
	require.Equal(t, map[string]string{"bucket": "custom-bucket", "region": "auto"}, fetched.R2Config)
}

func TestGetUnknownJobReturns404(t *testing.T) {
	srv := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsReturnsCounts(t *testing.T) {
	srv := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Machines struct {
			ActiveMachines int `json:"activeMachines"`
			MaxMachines    int `json:"maxMachines"`
		} `json:"machines"`
		PendingJobs int `json:"pendingJobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, schema.DefaultMaxMachines, resp.Machines.MaxMachines)
}

func TestStatusReportsHealthy(t *testing.T) {
	srv := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestJobCompleteWebhookMarksJobCompleted(t *testing.T) {
	srv := newServer(t)

	createBody, _ := json.Marshal(map[string]string{
		"jobId":     "j5",
		"inputUrl":  "https://u/in.mp4",
		"outputUrl": "outputs/j5",
		"preset":    "default",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(createBody))
	createW := httptest.NewRecorder()
	srv.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusCreated, createW.Code)

	completeBody, _ := json.Marshal(map[string]interface{}{
		"jobId":    "j5",
		"status":   "completed",
		"inputUrl": "https://u/in.mp4",
		"outputs":  []string{"outputs/j5/720p.mp4"},
	})
	completeReq := httptest.NewRequest(http.MethodPost, "/webhooks/job-complete", bytes.NewReader(completeBody))
	completeW := httptest.NewRecorder()
	srv.ServeHTTP(completeW, completeReq)
	require.Equal(t, http.StatusOK, completeW.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/j5", nil)
	getW := httptest.NewRecorder()
	srv.ServeHTTP(getW, getReq)

	var job schema.Job
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &job))
	require.Equal(t, schema.JobStatusCompleted, job.Status)
}
