// Package repository persists asynchronous jobs in the cache.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/cache"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/model"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	jobKeyPrefix   = "sandbox:job:"
	claimKeyPrefix = "sandbox:claim:"
)

// JobRepository stores jobs as zstd-compressed JSON.
type JobRepository struct {
	cache cache.Cache
	TTL   time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewJobRepository creates a repository. EncodeAll and DecodeAll are safe for
// concurrent use, so one coder pair serves every request.
func NewJobRepository(cacheClient cache.Cache, ttl time.Duration) (*JobRepository, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreFailed, "create zstd encoder failed")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobStoreFailed, "create zstd decoder failed")
	}
	return &JobRepository{
		cache:   cacheClient,
		TTL:     ttl,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (model.Job, error) {
	if id == "" {
		return model.Job{}, appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return model.Job{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, jobKeyPrefix+id)
	if err != nil {
		return model.Job{}, appErr.Wrapf(err, appErr.CacheError, "load job failed")
	}
	if val == "" {
		return model.Job{}, appErr.Newf(appErr.JobNotFound, "job %s not found", id)
	}
	raw, err := r.decoder.DecodeAll([]byte(val), nil)
	if err != nil {
		return model.Job{}, appErr.Wrapf(err, appErr.JobStoreFailed, "decompress job failed")
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return model.Job{}, appErr.Wrapf(err, appErr.JobStoreFailed, "decode job failed")
	}
	return job, nil
}

// Save persists a job, replacing any earlier state.
func (r *JobRepository) Save(ctx context.Context, job model.Job) error {
	if job.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.JobStoreFailed, "encode job failed")
	}
	compressed := r.encoder.EncodeAll(data, nil)
	if err := r.cache.Set(ctx, jobKeyPrefix+job.ID, string(compressed), cache.JitterTTL(r.TTL)); err != nil {
		return appErr.Wrapf(err, appErr.JobStoreFailed, "store job failed")
	}
	return nil
}

// Claim marks a queue message as taken. It returns false when another worker
// already holds it.
func (r *JobRepository) Claim(ctx context.Context, messageID string) (bool, error) {
	if r.cache == nil {
		return false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	ok, err := r.cache.SetNX(ctx, claimKeyPrefix+messageID, "1", r.TTL)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "claim message failed")
	}
	return ok, nil
}

// Release drops a claim so a redelivered message can be processed again.
func (r *JobRepository) Release(ctx context.Context, messageID string) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Del(ctx, claimKeyPrefix+messageID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release message claim failed")
	}
	return nil
}
