// Package transcoder is the concrete workerrt.JobRunner: it shells out to
// ffmpeg the way a real transcode worker does (spec.md §8: "multi-output
// transcoding and hls-adaptive shape the runner contract but are invisible
// to the core"), downloads the job's input over its presigned URL, and
// re-uploads each rendered quality to the output bucket over a presigned
// PUT, mirroring the presigned-URL transfer model spec.md already uses for
// uploads.
package transcoder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/workerrt"
)

// qualityProfile is one rendition's ffmpeg shape, grounded in the sibling
// transcode-worker's JobConfig (resolution/bitrate/encoder fields).
type qualityProfile struct {
	suffix     string
	resolution string
	bitrateK   int
}

// presetProfiles maps each spec.md §6 preset to the renditions it
// produces. "default" and "web-optimized" emit a single file. "hls" and
// "hls-adaptive" have no entry here: with a non-empty outputQualities any
// preset emits one rendition per requested quality, and with an empty one
// they fall back to the "default" single stream-copy file.
var presetProfiles = map[schema.Preset][]qualityProfile{
	schema.PresetDefault:      {{suffix: "default", resolution: "", bitrateK: 0}},
	schema.PresetWebOptimized: {{suffix: "web", resolution: "1280x720", bitrateK: 2500}},
}

var qualityBitrates = map[string]int{
	"1080p": 5000,
	"720p":  2500,
	"480p":  1200,
	"360p":  700,
}

// Presigner is the subset of objectstore.Client the runner needs, an
// interface so tests can substitute a fake that skips real S3 calls.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string) (objectstore.PresignResult, error)
	CanonicalURL(bucket, key string) string
}

// Runner implements workerrt.JobRunner by invoking a local ffmpeg binary.
type Runner struct {
	objects       Presigner
	outputBucket  string
	ffmpegPath    string
	workDir       string
	presignTTL    time.Duration
	httpClient    *http.Client
	logger        logging.StructuredLogger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithFFmpegPath overrides the ffmpeg binary path (default "ffmpeg", resolved via PATH).
func WithFFmpegPath(path string) Option {
	return func(r *Runner) { r.ffmpegPath = path }
}

// WithHTTPClient overrides the HTTP client used for input download / output upload.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// New builds a Runner. workDir holds transient input/output files and is
// created on demand; outputBucket is where rendered qualities are
// uploaded; presignTTL bounds how long the upload PUT URL stays valid.
func New(objects Presigner, outputBucket, workDir string, presignTTL time.Duration, opts ...Option) *Runner {
	r := &Runner{
		objects:      objects,
		outputBucket: outputBucket,
		ffmpegPath:   "ffmpeg",
		workDir:      workDir,
		presignTTL:   presignTTL,
		httpClient:   http.DefaultClient,
		logger:       logging.Noop,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements workerrt.JobRunner (spec.md §4.8: "call the runner with
// the job; on success collect outputs and duration").
func (r *Runner) Run(ctx context.Context, job *schema.Job) (workerrt.RunResult, error) {
	started := time.Now()

	jobDir := filepath.Join(r.workDir, job.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return workerrt.RunResult{}, fmt.Errorf("transcoder: create work dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	inputPath := filepath.Join(jobDir, "input")
	if err := r.download(ctx, job.InputURL, inputPath); err != nil {
		return workerrt.RunResult{}, fmt.Errorf("transcoder: download input: %w", err)
	}

	profiles := r.profilesFor(job)
	outputs := make([]string, 0, len(profiles))
	for _, p := range profiles {
		outPath := filepath.Join(jobDir, p.suffix+".mp4")
		if err := r.encode(ctx, inputPath, outPath, p); err != nil {
			return workerrt.RunResult{}, fmt.Errorf("transcoder: encode %s: %w", p.suffix, err)
		}

		key := fmt.Sprintf("outputs/%s/%s.mp4", job.JobID, p.suffix)
		url, err := r.upload(ctx, outPath, key)
		if err != nil {
			return workerrt.RunResult{}, fmt.Errorf("transcoder: upload %s: %w", p.suffix, err)
		}
		outputs = append(outputs, url)
	}

	return workerrt.RunResult{Outputs: outputs, Duration: time.Since(started).Seconds()}, nil
}

// profilesFor picks renditions per preset/outputQualities (spec.md §8:
// "the core merely stores outputQualities and returns whatever outputs
// the worker emits").
func (r *Runner) profilesFor(job *schema.Job) []qualityProfile {
	if len(job.OutputQualities) == 0 {
		if profiles, ok := presetProfiles[job.Preset]; ok {
			return profiles
		}
		return presetProfiles[schema.PresetDefault]
	}

	profiles := make([]qualityProfile, 0, len(job.OutputQualities))
	for _, q := range job.OutputQualities {
		bitrate, ok := qualityBitrates[q]
		if !ok {
			bitrate = qualityBitrates["720p"]
		}
		profiles = append(profiles, qualityProfile{suffix: q, resolution: resolutionFor(q), bitrateK: bitrate})
	}
	return profiles
}

func resolutionFor(quality string) string {
	switch quality {
	case "1080p":
		return "1920x1080"
	case "720p":
		return "1280x720"
	case "480p":
		return "854x480"
	case "360p":
		return "640x360"
	default:
		return ""
	}
}

func (r *Runner) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d fetching input", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

// encode runs ffmpeg with args shaped by the sibling transcode-worker's
// JobConfig (resolution, target bitrate): overwrite output, copy streams
// when no resolution/bitrate constraint applies, otherwise re-encode.
func (r *Runner) encode(ctx context.Context, inputPath, outPath string, p qualityProfile) error {
	args := []string{"-y", "-i", inputPath}
	if p.resolution == "" && p.bitrateK == 0 {
		args = append(args, "-c", "copy")
	} else {
		if p.resolution != "" {
			args = append(args, "-vf", "scale="+scaleFilter(p.resolution))
		}
		if p.bitrateK != 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", p.bitrateK))
		}
		args = append(args, "-c:a", "aac")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Warn("transcoder.ffmpeg_failed", logging.ErrAttr(err))
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

func scaleFilter(resolution string) string {
	var w, h int
	if _, err := fmt.Sscanf(resolution, "%dx%d", &w, &h); err != nil {
		return resolution
	}
	return fmt.Sprintf("%d:%d", w, h)
}

func (r *Runner) upload(ctx context.Context, path, key string) (string, error) {
	presign, err := r.objects.PresignPut(ctx, r.outputBucket, key, r.presignTTL, "video/mp4")
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presign.URL, f)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d uploading output", resp.StatusCode)
	}

	return r.objects.CanonicalURL(r.outputBucket, key), nil
}
