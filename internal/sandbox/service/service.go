// Package service selects an isolation strategy per language, bounds
// concurrent pipeline runs, and evaluates asynchronous jobs.
package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/mq"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/model"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/contextkey"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPoolSize      = 4
	defaultJobTimeout    = 2 * time.Minute
	defaultMaxCodeBytes  = 64 << 10
	defaultMaxInputs     = 100
	defaultMaxInputBytes = 1 << 20
)

// Config controls admission and background execution.
type Config struct {
	PoolSize int `yaml:"poolSize"`
	// AcquireTimeout bounds the wait for a free slot; zero waits as long as the caller does.
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	JobTimeout     time.Duration `yaml:"jobTimeout"`
	MaxCodeBytes   int           `yaml:"maxCodeBytes"`
	MaxInputs      int           `yaml:"maxInputs"`
	MaxInputBytes  int           `yaml:"maxInputBytes"`
	ResultTopic    string        `yaml:"resultTopic"`
}

// Executor runs one submission through a strategy.
type Executor interface {
	Execute(ctx context.Context, strategy runner.Runner, req pipeline.Request) pipeline.Response
}

// LanguageLookup returns a language's configuration.
type LanguageLookup interface {
	Language(id string) (command.LanguageSpec, error)
}

// JobStore persists asynchronous jobs and queue message claims.
type JobStore interface {
	Save(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (model.Job, error)
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// Recorder receives admission events.
type Recorder interface {
	RunStarted()
	RunFinished()
	Rejected(reason string)
}

// Deps are the collaborators of a Service. Jobs, Publisher and Recorder are optional.
type Deps struct {
	Pipeline   Executor
	Languages  LanguageLookup
	Strategies []runner.Runner
	Jobs       JobStore
	Publisher  mq.Publisher
	Recorder   Recorder
}

// Service is the entry point used by the HTTP controller and the queue consumer.
type Service struct {
	cfg        Config
	pipeline   Executor
	languages  LanguageLookup
	strategies map[string]runner.Runner
	jobs       JobStore
	publisher  mq.Publisher
	recorder   Recorder

	slots *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// closing is set by Shutdown; wg.Add only happens under mu while it is false.
	mu      sync.Mutex
	closing bool
}

// NewService creates a service.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.MaxInputs <= 0 {
		cfg.MaxInputs = defaultMaxInputs
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = defaultMaxInputBytes
	}
	strategies := make(map[string]runner.Runner, len(deps.Strategies))
	for _, s := range deps.Strategies {
		if s != nil {
			strategies[s.Name()] = s
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		pipeline:   deps.Pipeline,
		languages:  deps.Languages,
		strategies: strategies,
		jobs:       deps.Jobs,
		publisher:  deps.Publisher,
		recorder:   deps.Recorder,
		slots:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Execute evaluates a submission synchronously. Every verdict, including
// sandbox faults, is a Response; errors are reserved for requests that were
// never evaluated (invalid, or no free slot).
func (s *Service) Execute(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	if err := s.validate(req); err != nil {
		return pipeline.Response{}, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return pipeline.Response{}, err
	}
	defer release()

	return s.pipeline.Execute(ctx, s.strategyFor(req.Language), req), nil
}

// Submit stores a pending job and evaluates it in the background.
func (s *Service) Submit(ctx context.Context, req pipeline.Request) (model.Job, error) {
	if s.jobs == nil {
		return model.Job{}, appErr.New(appErr.ServiceUnavailable).WithMessage("job store is not configured")
	}
	if err := s.validate(req); err != nil {
		return model.Job{}, err
	}
	if !s.track() {
		return model.Job{}, appErr.New(appErr.ServiceUnavailable).WithMessage("service is shutting down")
	}

	now := time.Now()
	job := model.Job{
		ID:        uuid.NewString(),
		Status:    model.JobPending,
		Language:  req.Language,
		Source:    model.SourceHTTP,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		s.wg.Done()
		return model.Job{}, appErr.Wrapf(err, appErr.JobSubmitFailed, "store pending job failed")
	}

	jobCtx := context.WithValue(s.baseCtx, contextkey.SubmissionID, job.ID)
	if traceID := ctx.Value(contextkey.TraceID); traceID != nil {
		jobCtx = context.WithValue(jobCtx, contextkey.TraceID, traceID)
	}
	go func() {
		defer s.wg.Done()
		s.runJob(jobCtx, job, req)
	}()
	return job, nil
}

// track registers a background job unless the service is shutting down.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Job returns the state of an asynchronous job.
func (s *Service) Job(ctx context.Context, id string) (model.Job, error) {
	if s.jobs == nil {
		return model.Job{}, appErr.New(appErr.ServiceUnavailable).WithMessage("job store is not configured")
	}
	return s.jobs.Get(ctx, id)
}

// HandleMessage evaluates a submission delivered by the queue. Invalid
// messages are recorded as failed jobs and acknowledged; a busy sandbox is
// returned as an error so the message is retried.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, id)
	if traceID, ok := msg.GetHeader("trace_id"); ok {
		ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
	}

	if s.jobs != nil {
		claimed, err := s.jobs.Claim(ctx, id)
		if err != nil {
			return err
		}
		if !claimed {
			logger.Info(ctx, "duplicate sandbox message skipped")
			return nil
		}
	}

	now := time.Now()
	job := model.Job{ID: id, Source: model.SourceKafka, CreatedAt: now}

	var req pipeline.Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		job.Status = model.JobFailed
		job.Error = appErr.Wrapf(err, appErr.QueueMessageInvalid, "decode sandbox request failed").Error()
		s.finish(ctx, job)
		return nil
	}
	job.Language = req.Language

	resp, err := s.Execute(ctx, req)
	if err != nil {
		if appErr.Is(err, appErr.SandboxBusy) || ctx.Err() != nil {
			if s.jobs != nil {
				_ = s.jobs.Release(context.WithoutCancel(ctx), id)
			}
			return err
		}
		job.Status = model.JobFailed
		job.Error = err.Error()
		s.finish(ctx, job)
		return nil
	}
	job.Status = model.JobFinished
	job.Response = &resp
	s.finish(ctx, job)
	return nil
}

// Shutdown stops accepting jobs and waits for running ones until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Service) runJob(ctx context.Context, job model.Job, req pipeline.Request) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	job.Status = model.JobRunning
	job.UpdatedAt = time.Now()
	if err := s.jobs.Save(ctx, job); err != nil {
		logger.Warn(ctx, "store running job failed", zap.Error(err))
	}

	resp, err := s.Execute(ctx, req)
	if err != nil {
		job.Status = model.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = model.JobFinished
		job.Response = &resp
	}
	s.finish(ctx, job)
}

// finish stores the terminal job and publishes it to the result topic.
// Storage uses a context detached from the job deadline so the outcome is
// recorded even when the job ran out of time.
func (s *Service) finish(ctx context.Context, job model.Job) {
	job.UpdatedAt = time.Now()
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if s.jobs != nil {
		if err := s.jobs.Save(storeCtx, job); err != nil {
			logger.Error(ctx, "store finished job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if s.publisher != nil && s.cfg.ResultTopic != "" {
		body, err := json.Marshal(job)
		if err != nil {
			logger.Error(ctx, "encode job result failed", zap.Error(err))
			return
		}
		msg := mq.NewMessage(job.ID, body)
		if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok {
			msg.SetHeader("trace_id", traceID)
		}
		if err := s.publisher.Publish(storeCtx, s.cfg.ResultTopic, msg); err != nil {
			logger.Error(ctx, "publish job result failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	logger.Info(ctx, "sandbox job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
	)
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		if s.recorder != nil {
			s.recorder.Rejected("busy")
		}
		return nil, appErr.Wrapf(err, appErr.SandboxBusy, "no free sandbox slot")
	}
	if s.recorder != nil {
		s.recorder.RunStarted()
	}
	return func() {
		if s.recorder != nil {
			s.recorder.RunFinished()
		}
		s.slots.Release(1)
	}, nil
}

// strategyFor looks up the language's configured strategy. An unknown
// language falls back to the process strategy so the pipeline reports it.
func (s *Service) strategyFor(language string) runner.Runner {
	name := command.StrategyProcess
	if s.languages != nil {
		if spec, err := s.languages.Language(language); err == nil && spec.Strategy != "" {
			name = spec.Strategy
		}
	}
	return s.strategies[name]
}

func (s *Service) validate(req pipeline.Request) error {
	if strings.TrimSpace(req.Code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if strings.TrimSpace(req.Language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if len(req.Code) > s.cfg.MaxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", s.cfg.MaxCodeBytes)
	}
	if len(req.Inputs) > s.cfg.MaxInputs {
		return appErr.Newf(appErr.InputTooLarge, "at most %d inputs are allowed", s.cfg.MaxInputs)
	}
	total := 0
	for _, in := range req.Inputs {
		total += len(in)
	}
	if total > s.cfg.MaxInputBytes {
		return appErr.Newf(appErr.InputTooLarge, "inputs exceed %d bytes", s.cfg.MaxInputBytes)
	}
	return nil
}
