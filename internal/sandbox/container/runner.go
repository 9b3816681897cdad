// Package container runs submissions inside a resource-limited container.
//
// One container is created and started per submission. The workspace is bind
// mounted read-only, source is compiled on the host, and every case is a separate
// exec in the running container. A sampler polls memory usage while an exec is
// live and the peak is reported with the case.
package container

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Languages looks up the image a language runs in.
type Languages interface {
	Language(id string) (command.LanguageSpec, error)
}

// Runner is the container isolation strategy.
type Runner struct {
	client    Client
	compiler  runner.Compiler
	languages Languages
	cfg       Config

	primed sync.Map
}

// NewRunner creates a container runner. compiler builds sources on the host
// before the container is used.
func NewRunner(client Client, compiler runner.Compiler, languages Languages, cfg Config) *Runner {
	return &Runner{
		client:    client,
		compiler:  compiler,
		languages: languages,
		cfg:       cfg.withDefaults(),
	}
}

func (r *Runner) Name() string {
	return command.StrategyContainer
}

// RunRoot is where the workspace is mounted inside the container.
func (r *Runner) RunRoot() string {
	return r.cfg.MountPath
}

// Open prepares the image and starts the submission container.
func (r *Runner) Open(ctx context.Context, ws *workspace.Workspace, cmd command.ExecutionCommand) (runner.Session, error) {
	if ws == nil {
		return nil, appErr.ValidationError("workspace", "required")
	}
	img, err := r.imageFor(cmd.Language)
	if err != nil {
		return nil, err
	}
	if err := r.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	id, err := r.client.Create(ctx, ContainerSpec{
		Image:       img,
		MountSource: ws.Dir,
		MountTarget: r.cfg.MountPath,
		MemoryBytes: r.cfg.MemoryBytes,
		NanoCPUs:    int64(r.cfg.CPUCount * 1e9),
		PidsLimit:   r.cfg.PidsLimit,
	})
	if err != nil {
		return nil, err
	}
	s := &session{runner: r, id: id}
	if err := r.client.Start(ctx, id); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Debug(ctx, "sandbox container started",
		zap.String("container_id", id),
		zap.String("image", img),
	)
	return s, nil
}

func (r *Runner) imageFor(language string) (string, error) {
	if r.languages != nil {
		spec, err := r.languages.Language(language)
		if err != nil {
			return "", err
		}
		if spec.Image != "" {
			return spec.Image, nil
		}
	}
	if r.cfg.Image == "" {
		return "", appErr.Newf(appErr.ContainerError, "no container image configured for %s", language)
	}
	return r.cfg.Image, nil
}

func (r *Runner) ensureImage(ctx context.Context, img string) error {
	if _, ok := r.primed.Load(img); ok {
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.cfg.PullTimeout)
	defer cancel()
	if err := r.client.EnsureImage(pullCtx, img); err != nil {
		return err
	}
	r.primed.Store(img, struct{}{})
	return nil
}

type session struct {
	runner *Runner
	id     string

	closeOnce sync.Once
	closeErr  error
}

func (s *session) Compile(ctx context.Context, cmd command.ExecutionCommand) (runner.CaseResult, error) {
	if s.runner.compiler == nil {
		return runner.CaseResult{}, appErr.New(appErr.SandboxSystemError).WithMessage("no host compiler configured")
	}
	return s.runner.compiler.Compile(ctx, cmd.Compile, cmd.Dir, cmd.Env)
}

type execOutcome struct {
	exitCode int
	err      error
}

// RunCase execs one case. Exec completion races the deadline; whichever loses
// is cancelled along with the memory sampler. Detaching does not stop the
// program, so a timed out exec is killed inside the container.
func (s *session) RunCase(ctx context.Context, cmd command.RunCommand, input string, timeout time.Duration) (runner.CaseResult, error) {
	argv, stdin, hasStdin := cmd.Bind(input)
	var stdout, stderr bytes.Buffer

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	sampleCtx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()

	start := time.Now()
	done := make(chan execOutcome, 1)
	go func() {
		code, err := s.runner.client.Exec(execCtx, s.id, ExecSpec{
			Argv:     argv,
			Dir:      cmd.Dir,
			Env:      cmd.Env,
			Stdin:    stdin,
			HasStdin: hasStdin,
		}, &stdout, &stderr)
		done <- execOutcome{exitCode: code, err: err}
	}()
	peak := make(chan int64, 1)
	go func() {
		peak <- s.sampleMemory(sampleCtx)
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var outcome execOutcome
	timedOut := false
	select {
	case outcome = <-done:
	case <-deadline:
		timedOut = true
		cancelExec()
		<-done
		s.killExecs(ctx)
	case <-ctx.Done():
		cancelExec()
		<-done
		s.killExecs(ctx)
		stopSampler()
		<-peak
		return runner.CaseResult{}, appErr.Wrapf(ctx.Err(), appErr.SandboxSystemError, "execution cancelled")
	}
	elapsed := time.Since(start)
	stopSampler()
	peakBytes := <-peak

	if timedOut {
		logger.Debug(ctx, "container exec hit deadline",
			zap.String("container_id", s.id),
			zap.Duration("timeout", timeout),
		)
		res := runner.TimedOutResult(elapsed)
		res.PeakMemoryBytes = &peakBytes
		return res, nil
	}
	if outcome.err != nil {
		return runner.CaseResult{}, appErr.Wrapf(outcome.err, appErr.ContainerError, "exec in container failed")
	}
	return runner.CaseResult{
		ExitCode:        outcome.exitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ElapsedMs:       elapsed.Milliseconds(),
		PeakMemoryBytes: &peakBytes,
	}, nil
}

// killExecs runs on a fresh context so a cancelled request still stops the program.
func (s *session) killExecs(ctx context.Context) {
	killCtx, cancel := context.WithTimeout(context.Background(), s.runner.cfg.RemoveTimeout)
	defer cancel()
	if err := s.runner.client.KillExecs(killCtx, s.id); err != nil {
		logger.Warn(ctx, "kill container exec failed",
			zap.String("container_id", s.id),
			zap.Error(err),
		)
	}
}

// sampleMemory polls usage until ctx is cancelled and returns the maximum seen.
// A sample that starts after the exec finished may see nothing; zero is a valid result.
func (s *session) sampleMemory(ctx context.Context) int64 {
	ticker := time.NewTicker(s.runner.cfg.StatsInterval)
	defer ticker.Stop()

	var peak uint64
	for {
		usage, err := s.runner.client.MemoryUsage(ctx, s.id)
		if err == nil && usage > peak {
			peak = usage
		}
		select {
		case <-ctx.Done():
			return int64(peak)
		case <-ticker.C:
		}
	}
}

// Close force-removes the container. It runs on a fresh context so a cancelled
// request still releases the container.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.runner.cfg.RemoveTimeout)
		defer cancel()
		if err := s.runner.client.Remove(ctx, s.id); err != nil {
			logger.Warn(ctx, "remove sandbox container failed",
				zap.String("container_id", s.id),
				zap.Error(err),
			)
			s.closeErr = err
		}
	})
	return s.closeErr
}
