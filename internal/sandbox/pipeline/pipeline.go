// Package pipeline runs one submission end to end: workspace, resolve, compile,
// cases in order, aggregate, cleanup.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/result"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultCaseTimeout = 5 * time.Second

// WorkspaceCreator creates submission workspaces.
type WorkspaceCreator interface {
	Create(ctx context.Context, code string, layout workspace.Layout) (*workspace.Workspace, error)
}

// CommandResolver maps a language to its layout and commands.
type CommandResolver interface {
	Language(id string) (command.LanguageSpec, error)
	Resolve(language string, ws *workspace.Workspace, runRoot string) (command.ExecutionCommand, error)
}

// PreCheck inspects source before anything touches the disk.
type PreCheck interface {
	Check(code string) error
}

// Observer receives per-case and per-submission outcomes.
type Observer interface {
	CaseFinished(strategy string, res runner.CaseResult)
	SubmissionFinished(strategy string, v result.Verdict, elapsed time.Duration)
}

// Pipeline is safe for concurrent use; every Execute owns its workspace and session.
type Pipeline struct {
	workspaces     WorkspaceCreator
	resolver       CommandResolver
	preCheck       PreCheck
	observer       Observer
	caseTimeout    time.Duration
	maxCaseTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPreCheck runs check on the source before the workspace is created.
func WithPreCheck(check PreCheck) Option {
	return func(p *Pipeline) {
		p.preCheck = check
	}
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithCaseTimeout sets the default per-case timeout and the ceiling for
// request overrides. A zero ceiling disables overrides above the default.
func WithCaseTimeout(def, ceiling time.Duration) Option {
	return func(p *Pipeline) {
		if def > 0 {
			p.caseTimeout = def
		}
		p.maxCaseTimeout = ceiling
	}
}

// New creates a pipeline.
func New(workspaces WorkspaceCreator, resolver CommandResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		workspaces:  workspaces,
		resolver:    resolver,
		caseTimeout: defaultCaseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxCaseTimeout < p.caseTimeout {
		p.maxCaseTimeout = p.caseTimeout
	}
	return p
}

// Execute never fails: sandbox faults and panics become a status 2 response.
func (p *Pipeline) Execute(ctx context.Context, strategy runner.Runner, req Request) (resp Response) {
	start := time.Now()
	strategyName := "none"
	if strategy != nil {
		strategyName = strategy.Name()
	}

	var verdict result.Verdict
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "sandbox pipeline panicked",
				zap.Any("panic", r),
				zap.String("language", req.Language),
				zap.Stack("stack"),
			)
			verdict = result.SystemFault(appErr.Newf(appErr.SandboxSystemError, "internal error: %v", r))
			resp = ToResponse(verdict)
		}
		if p.observer != nil {
			p.observer.SubmissionFinished(strategyName, verdict, time.Since(start))
		}
	}()

	verdict, err := p.run(ctx, strategy, req)
	if err != nil {
		logger.Warn(ctx, "submission ended with sandbox fault",
			zap.String("language", req.Language),
			zap.String("strategy", strategyName),
			zap.Error(err),
		)
		verdict = result.SystemFault(err)
	} else if !verdict.Accepted() {
		logger.Info(ctx, "submission rejected",
			zap.String("language", req.Language),
			zap.String("reason", string(verdict.Reason)),
			zap.Int("code", int(verdict.Code)),
		)
	}
	return ToResponse(verdict)
}

func (p *Pipeline) run(ctx context.Context, strategy runner.Runner, req Request) (result.Verdict, error) {
	if strategy == nil {
		return result.Verdict{}, appErr.New(appErr.SandboxSystemError).WithMessage("no isolation strategy")
	}
	if p.preCheck != nil {
		if err := p.preCheck.Check(req.Code); err != nil {
			return result.Verdict{}, err
		}
	}

	lang, err := p.resolver.Language(req.Language)
	if err != nil {
		return result.Verdict{}, err
	}
	ws, err := p.workspaces.Create(ctx, req.Code, lang.Layout())
	if err != nil {
		return result.Verdict{}, err
	}
	defer func() {
		if err := ws.Destroy(); err != nil {
			logger.Warn(ctx, "destroy workspace failed", zap.String("dir", ws.Dir), zap.Error(err))
		}
	}()

	runRoot := ""
	if m, ok := strategy.(runner.RootMapper); ok {
		runRoot = m.RunRoot()
	}
	cmd, err := p.resolver.Resolve(req.Language, ws, runRoot)
	if err != nil {
		return result.Verdict{}, err
	}

	session, err := strategy.Open(ctx, ws, cmd)
	if err != nil {
		return result.Verdict{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn(ctx, "close sandbox session failed", zap.Error(err))
		}
	}()

	var compile *runner.CaseResult
	if cmd.HasCompile() {
		res, err := session.Compile(ctx, cmd)
		if err != nil {
			return result.Verdict{}, err
		}
		compile = &res
		if !res.Succeeded() {
			verdict := result.Aggregate(compile, nil)
			logger.Debug(ctx, "compile failed",
				zap.Int("exit_code", res.ExitCode),
				zap.Int("code", int(verdict.Code)),
			)
			return verdict, nil
		}
	}

	timeout := p.timeoutFor(req)
	cases := make([]runner.CaseResult, 0, len(req.Inputs))
	for i, input := range req.Inputs {
		res, err := session.RunCase(ctx, cmd.Run, input, timeout)
		if err != nil {
			return result.Verdict{}, appErr.SystemError(fmt.Errorf("case %d: %w", i+1, err))
		}
		if p.observer != nil {
			p.observer.CaseFinished(strategy.Name(), res)
		}
		cases = append(cases, res)
		if !res.Succeeded() {
			break
		}
	}
	return result.Aggregate(compile, cases), nil
}

func (p *Pipeline) timeoutFor(req Request) time.Duration {
	if req.TimeLimitMs <= 0 {
		return p.caseTimeout
	}
	d := time.Duration(req.TimeLimitMs) * time.Millisecond
	if d > p.maxCaseTimeout {
		return p.maxCaseTimeout
	}
	return d
}
