// Package httpapi is the control-plane HTTP surface of spec.md §6: thin
// adapters over jobmanager, admission, and spawner.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/idgen"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

// ObjectPresigner is the presigned-PUT capability /upload needs, satisfied
// by objectstore.Client.
type ObjectPresigner interface {
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string) (objectstore.PresignResult, error)
}

// Server wires the control-plane routes onto a gorilla/mux Router.
type Server struct {
	jobs        *jobmanager.Manager
	admission   *admission.Controller
	spawnerSvc  *spawner.Spawner
	spawnCfg    spawner.Config
	objects     ObjectPresigner
	store       *store.Client
	keys        schema.Keys
	inputBucket string
	presignTTL  time.Duration
	clock       clock.Clock
	logger      logging.StructuredLogger

	router *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New builds a Server and registers its routes on a fresh mux.Router.
func New(jobs *jobmanager.Manager, adm *admission.Controller, spawnerSvc *spawner.Spawner, spawnCfg spawner.Config, objects ObjectPresigner, s *store.Client, keys schema.Keys, inputBucket string, presignTTL time.Duration, opts ...Option) *Server {
	srv := &Server{
		jobs:        jobs,
		admission:   adm,
		spawnerSvc:  spawnerSvc,
		spawnCfg:    spawnCfg,
		objects:     objects,
		store:       s,
		keys:        keys,
		inputBucket: inputBucket,
		presignTTL:  presignTTL,
		clock:       clock.Real{},
		logger:      logging.Noop,
	}
	for _, opt := range opts {
		opt(srv)
	}

	r := mux.NewRouter()
	r.HandleFunc("/upload", srv.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/jobs", srv.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobId}", srv.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/status", srv.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/job-complete", srv.handleJobComplete).Methods(http.MethodPost)
	srv.router = r

	return srv
}

// Router returns the underlying *mux.Router for http.ListenAndServe.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type uploadRequest struct {
	Filename        string        `json:"filename"`
	ContentType     string        `json:"contentType,omitempty"`
	Preset          schema.Preset `json:"preset"`
	OutputQualities []string      `json:"outputQualities,omitempty"`
}

type uploadResponse struct {
	JobID     string `json:"jobId"`
	UploadURL string `json:"uploadUrl"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Preset == "" {
		req.Preset = schema.PresetDefault
	}

	ctx := r.Context()
	jobID := idgen.New()
	key := "inputs/" + jobID + "/" + req.Filename

	presigned, err := s.objects.PresignPut(ctx, s.inputBucket, key, s.presignTTL, req.ContentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := clock.NowMs(s.clock)
	job := &schema.Job{
		JobID:           jobID,
		Status:          schema.JobStatusUploading,
		InputKey:        key,
		Preset:          req.Preset,
		OutputQualities: req.OutputQualities,
		Timestamps:      schema.Timestamps{CreatedAt: now},
	}
	p := s.store.Pipeline()
	p.HSet(s.keys.JobStatus(jobID), schema.EncodeJob(job))
	p.Send("EXPIRE", s.keys.JobStatus(jobID), int64(schema.DefaultJobStatusTTLSeconds))
	if _, err := p.Exec(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{JobID: jobID, UploadURL: presigned.URL})
}

type createJobRequest struct {
	JobID           string            `json:"jobId,omitempty"`
	InputURL        string            `json:"inputUrl"`
	OutputURL       string            `json:"outputUrl"`
	Preset          schema.Preset     `json:"preset"`
	OutputQualities []string          `json:"outputQualities,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	R2Config        map[string]string `json:"r2Config,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	job, err := s.jobs.EnqueueJob(ctx, jobmanager.NewJob{
		JobID:           req.JobID,
		InputURL:        req.InputURL,
		OutputURL:       req.OutputURL,
		Preset:          req.Preset,
		OutputQualities: req.OutputQualities,
		WebhookURL:      req.WebhookURL,
		R2Config:        req.R2Config,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.spawnerSvc != nil {
		if _, spawnErr := s.spawnerSvc.MaybeSpawnWorker(ctx, s.spawnCfg); spawnErr != nil {
			s.logger.Warn("httpapi.maybe_spawn_failed", logging.ErrAttr(spawnErr))
		}
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := s.jobs.GetJobStatus(r.Context(), jobID)
	if err != nil {
		var nf *apierrors.JobNotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	Machines      admission.Stats `json:"machines"`
	PendingJobs   int             `json:"pendingJobs"`
	ActiveJobs    int             `json:"activeJobs"`
	ActiveJobIDs  []string        `json:"activeJobIds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	machines, err := s.admission.GetAdmissionStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.jobs.GetPendingCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	active, err := s.jobs.GetActiveJobs(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ids := make([]string, 0, len(active))
	for jobID := range active {
		ids = append(ids, jobID)
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Machines:     machines,
		PendingJobs:  pending,
		ActiveJobs:   len(active),
		ActiveJobIDs: ids,
	})
}

type statusResponse struct {
	Healthy bool   `json:"healthy"`
	Echo    string `json:"echo,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Healthy: false})
		return
	}

	echoKey := s.keys.ReaperCursor()
	echo, err := s.store.Get(ctx, echoKey)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Healthy: false})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Healthy: true, Echo: echo})
}

type jobCompleteRequest struct {
	JobID    string        `json:"jobId"`
	Status   schema.JobStatus `json:"status"`
	InputURL string        `json:"inputUrl"`
	Outputs  []string      `json:"outputs,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration float64       `json:"duration,omitempty"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req jobCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	var err error
	switch req.Status {
	case schema.JobStatusCompleted:
		err = s.jobs.CompleteJob(ctx, req.JobID, jobmanager.CompleteResult{Outputs: req.Outputs, Duration: req.Duration})
	case schema.JobStatusFailed:
		err = s.jobs.FailJob(ctx, req.JobID, req.Error)
	default:
		writeError(w, http.StatusBadRequest, errors.New("status must be completed or failed"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
