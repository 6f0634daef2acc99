package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/fauxweb/internal/cache"
	"github.com/vnmchuo/fauxweb/internal/provider"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

type Stage string

const (
	StageSubmit   Stage = "submit"
	StagePoll     Stage = "poll"
	StageDownload Stage = "download"
)

var (
	// ErrGenerationFailed matches every *Error.
	ErrGenerationFailed = errors.New("video generation failed")
	ErrMaxWaitExceeded  = errors.New("video job did not finish in time")
)

// Error reports the stage a video job failed in.
type Error struct {
	Stage Stage
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("video generation failed during %s of job %s: %v", e.Stage, e.JobID, e.Err)
	}
	return fmt.Sprintf("video generation failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrGenerationFailed }

// Backends resolves the video generator for a provider config.
type Backends interface {
	Video(ctx context.Context, cfg provider.Config) (provider.VideoGenerator, error)
}

// Posters is where finished images are looked up by canonical URL.
type Posters interface {
	WaitFor(ctx context.Context, key string, timeout, interval time.Duration) (cache.Entry, bool, error)
}

type Options struct {
	PollInterval   time.Duration
	MaxWait        time.Duration
	PosterTimeout  time.Duration
	PosterInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   10 * time.Second,
		MaxWait:        10 * time.Minute,
		PosterTimeout:  cache.DefaultWaitTimeout,
		PosterInterval: cache.DefaultWaitInterval,
	}
}

// Request is one video generation. PosterKey is a canonical cache key; when
// empty no conditioning image is looked up.
type Request struct {
	Config    provider.Config
	Prompt    string
	PosterKey string
}

type Result struct {
	JobID      string
	Data       []byte
	MIMEType   string
	PosterUsed bool
}

// Controller drives a video job from submission to download.
type Controller struct {
	backends Backends
	posters  Posters
	logger   *zap.Logger
	opts     Options
}

// NewController builds a controller. posters may be nil.
func NewController(backends Backends, posters Posters, logger *zap.Logger, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaults.MaxWait
	}
	return &Controller{backends: backends, posters: posters, logger: logger, opts: opts}
}

// Generate submits the job, polls it until done, then downloads the result.
// Every failure is an *Error.
func (c *Controller) Generate(ctx context.Context, req Request) (*Result, error) {
	vg, err := c.backends.Video(ctx, req.Config)
	if err != nil {
		return nil, &Error{Stage: StageSubmit, Err: err}
	}

	poster := c.poster(ctx, req.PosterKey)
	log := c.logger.With(zap.String("model", req.Config.Model))

	job, err := vg.SubmitVideo(ctx, req.Config.Model, req.Prompt, poster)
	if err != nil {
		return nil, &Error{Stage: StageSubmit, Err: err}
	}
	log = log.With(zap.String("job", job.ID))
	log.Info("video job state", zap.String("status", string(StatusSubmitted)), zap.Bool("poster", poster != nil))

	job, err = c.wait(ctx, vg, job, log)
	if err != nil {
		log.Warn("video job state", zap.String("status", string(StatusFailed)), zap.Error(err))
		return nil, err
	}
	log.Info("video job state", zap.String("status", string(StatusDone)))

	data, mimeType, err := vg.DownloadVideo(ctx, job)
	if err != nil {
		return nil, &Error{Stage: StageDownload, JobID: job.ID, Err: err}
	}
	return &Result{JobID: job.ID, Data: data, MIMEType: mimeType, PosterUsed: poster != nil}, nil
}

func (c *Controller) poster(ctx context.Context, key string) *provider.Image {
	if key == "" || c.posters == nil {
		return nil
	}
	e, ok, err := c.posters.WaitFor(ctx, key, c.opts.PosterTimeout, c.opts.PosterInterval)
	if err != nil || !ok {
		c.logger.Warn("poster image not available, generating video without it; quality may suffer",
			zap.String("poster", key), zap.Error(err))
		return nil
	}
	return &provider.Image{MIMEType: e.MIMEType, Data: e.Data}
}

func (c *Controller) wait(ctx context.Context, vg provider.VideoGenerator, job *provider.VideoJob, log *zap.Logger) (*provider.VideoJob, error) {
	deadline := time.Now().Add(c.opts.MaxWait)

	for !job.Done {
		if job.Error != "" {
			return nil, &Error{Stage: StagePoll, JobID: job.ID, Err: errors.New(job.Error)}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &Error{Stage: StagePoll, JobID: job.ID, Err: ErrMaxWaitExceeded}
		}
		interval := min(c.opts.PollInterval, remaining)

		log.Debug("video job state", zap.String("status", string(StatusPolling)))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{Stage: StagePoll, JobID: job.ID, Err: ctx.Err()}
		case <-timer.C:
		}

		next, err := vg.PollVideo(ctx, job)
		if err != nil {
			return nil, &Error{Stage: StagePoll, JobID: job.ID, Err: err}
		}
		job = next
	}

	if job.Error != "" {
		return nil, &Error{Stage: StagePoll, JobID: job.ID, Err: errors.New(job.Error)}
	}
	return job, nil
}
