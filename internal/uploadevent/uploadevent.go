// Package uploadevent handles the at-least-once stream of object-create
// notifications described in spec.md §4.7, translating PutObject/
// CompleteMultipartUpload events on the input bucket into pending jobs.
package uploadevent

import (
	"context"
	"regexp"

	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

// jobIDPattern extracts the jobId component of an object key (spec.md
// §4.7 step 2: "Extract jobId from the key using the regex
// ^(?:inputs|outputs)/([^/]+)/").
var jobIDPattern = regexp.MustCompile(`^(?:inputs|outputs)/([^/]+)/`)

// Message is one notification in the upload-event stream (spec.md §4.7:
// "{bucket, key, action, objectSize, eTag, eventTime}"). Ack/Nack let the
// Source implementation deliver at-least-once semantics.
type Message struct {
	Bucket     string
	Key        string
	Action     string
	ObjectSize int64
	ETag       string
	EventTime  int64

	Ack  func()
	Nack func()
}

// Source delivers an ordered-within-key, at-least-once stream of
// notification messages (spec.md §6 Upload-event source).
type Source interface {
	Messages(ctx context.Context) (<-chan Message, error)
}

// URLBuilder builds the canonical URL form for an object (spec.md §6:
// "https://{accountId}.{host}/{bucket}/{key}"). objectstore.Client
// satisfies this with its CanonicalURL method.
type URLBuilder interface {
	CanonicalURL(bucket, key string) string
}

const (
	actionPutObject              = "PutObject"
	actionCompleteMultipartUpload = "CompleteMultipartUpload"
)

// Handler is the Upload-event handler (spec.md §4.7).
type Handler struct {
	store      *store.Client
	keys       schema.Keys
	constants  schema.Constants
	urls       URLBuilder
	spawner    *spawner.Spawner
	spawnCfg   spawner.Config
	inputBucket string
	clock      clock.Clock
	logger     logging.StructuredLogger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// New builds a Handler. spawnerSvc may be nil, in which case
// maybeSpawnWorker is skipped entirely (useful for tests that only
// exercise the job-record transitions).
func New(s *store.Client, keys schema.Keys, constants schema.Constants, urls URLBuilder, inputBucket string, spawnerSvc *spawner.Spawner, spawnCfg spawner.Config, opts ...Option) *Handler {
	h := &Handler{
		store:       s,
		keys:        keys,
		constants:   constants,
		urls:        urls,
		spawner:     spawnerSvc,
		spawnCfg:    spawnCfg,
		inputBucket: inputBucket,
		clock:       clock.Real{},
		logger:      logging.Noop,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes source until ctx is cancelled, acking or nacking each
// message per spec.md §4.7 step 6.
func (h *Handler) Run(ctx context.Context, source Source) error {
	messages, err := source.Messages(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := h.HandleMessage(ctx, msg); err != nil {
				h.logger.Warn("uploadevent.handle_failed", logging.ErrAttr(err))
				if msg.Nack != nil {
					msg.Nack()
				}
				continue
			}
			if msg.Ack != nil {
				msg.Ack()
			}
		}
	}
}

// HandleMessage processes one message per spec.md §4.7 steps 1-5.
func (h *Handler) HandleMessage(ctx context.Context, msg Message) error {
	// Step 1: accept only PutObject/CompleteMultipartUpload on the
	// configured input bucket; acknowledge and skip otherwise.
	if msg.Bucket != h.inputBucket {
		return nil
	}
	if msg.Action != actionPutObject && msg.Action != actionCompleteMultipartUpload {
		return nil
	}

	// Step 2: extract jobId; no match means acknowledge and skip.
	match := jobIDPattern.FindStringSubmatch(msg.Key)
	if match == nil {
		return nil
	}
	jobID := match[1]

	existing, err := h.store.HGetAll(ctx, h.keys.JobStatus(jobID))
	if err != nil {
		return err
	}

	now := clock.NowMs(h.clock)
	inputURL := h.urls.CanonicalURL(msg.Bucket, msg.Key)

	if job := schema.DecodeJob(existing); job == nil {
		// Step 3: no existing record — create a fresh pending job.
		newJob := &schema.Job{
			JobID:      jobID,
			Status:     schema.JobStatusPending,
			InputKey:   msg.Key,
			InputURL:   inputURL,
			OutputURL:  "outputs/" + jobID,
			Preset:     schema.PresetDefault,
			Timestamps: schema.Timestamps{CreatedAt: now, UploadedAt: now, QueuedAt: now},
		}
		p := h.store.Pipeline()
		p.HSet(h.keys.JobStatus(jobID), schema.EncodeJob(newJob))
		p.Send("EXPIRE", h.keys.JobStatus(jobID), int64(h.constants.JobStatusTTL.Seconds()))
		p.Send("ZADD", h.keys.JobsPending(), now, jobID)
		if _, err := p.Exec(ctx); err != nil {
			return err
		}
	} else {
		// Step 4: existing record — update to pending.
		p := h.store.Pipeline()
		p.HSet(h.keys.JobStatus(jobID), map[string]string{
			"status":     string(schema.JobStatusPending),
			"inputUrl":   inputURL,
			"uploadedAt": formatInt(now),
			"queuedAt":   formatInt(now),
		})
		p.Send("ZADD", h.keys.JobsPending(), now, jobID)
		if _, err := p.Exec(ctx); err != nil {
			return err
		}
	}

	// Step 5: best-effort spawn; a failure here does not negate
	// acknowledgement of the message.
	if h.spawner != nil {
		if _, spawnErr := h.spawner.MaybeSpawnWorker(ctx, h.spawnCfg); spawnErr != nil {
			h.logger.Warn("uploadevent.maybe_spawn_failed", logging.ErrAttr(spawnErr))
		}
	}

	return nil
}
