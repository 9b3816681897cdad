// Package process runs submissions as bare OS processes on the host.
package process

import (
	"context"
	"sync"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

const (
	defaultCompileTimeout   = 30 * time.Second
	defaultOutputLimitBytes = 8 << 20
)

// Config controls the process runner.
type Config struct {
	CompileTimeout   time.Duration `yaml:"compileTimeout"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`

	// CgroupRoot is a delegated cgroup v2 directory. When set, every execution
	// runs in its own child cgroup and is killed as a whole.
	CgroupRoot        string `yaml:"cgroupRoot"`
	CgroupMemoryBytes int64  `yaml:"cgroupMemoryBytes"`
	CgroupPidsLimit   int64  `yaml:"cgroupPidsLimit"`
}

// Runner is the bare-process isolation strategy. It also serves as the host
// compiler for the container strategy.
type Runner struct {
	cfg Config
}

type spawnSpec struct {
	Argv     []string
	Dir      string
	Env      []string
	Stdin    string
	HasStdin bool
}

// NewRunner creates a process runner.
func NewRunner(cfg Config) *Runner {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultCompileTimeout
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = defaultOutputLimitBytes
	}
	return &Runner{cfg: cfg}
}

func (r *Runner) Name() string {
	return command.StrategyProcess
}

// Open returns a session; the process strategy holds no per-submission resources.
func (r *Runner) Open(ctx context.Context, ws *workspace.Workspace, cmd command.ExecutionCommand) (runner.Session, error) {
	if ws == nil {
		return nil, appErr.ValidationError("workspace", "required")
	}
	return &session{runner: r}, nil
}

// Compile runs a compile command with no stdin. A non-zero exit is reported in
// the result, not as an error.
func (r *Runner) Compile(ctx context.Context, argv []string, dir string, env []string) (runner.CaseResult, error) {
	return r.execute(ctx, spawnSpec{Argv: argv, Dir: dir, Env: env}, r.cfg.CompileTimeout)
}

// RunCase runs one case with a wall-clock timeout.
func (r *Runner) RunCase(ctx context.Context, cmd command.RunCommand, input string, timeout time.Duration) (runner.CaseResult, error) {
	argv, stdin, hasStdin := cmd.Bind(input)
	return r.execute(ctx, spawnSpec{
		Argv:     argv,
		Dir:      cmd.Dir,
		Env:      cmd.Env,
		Stdin:    stdin,
		HasStdin: hasStdin,
	}, timeout)
}

type session struct {
	runner *Runner
	mu     sync.Mutex
	closed bool
}

func (s *session) Compile(ctx context.Context, cmd command.ExecutionCommand) (runner.CaseResult, error) {
	if err := s.check(); err != nil {
		return runner.CaseResult{}, err
	}
	return s.runner.Compile(ctx, cmd.Compile, cmd.Dir, cmd.Env)
}

func (s *session) RunCase(ctx context.Context, cmd command.RunCommand, input string, timeout time.Duration) (runner.CaseResult, error) {
	if err := s.check(); err != nil {
		return runner.CaseResult{}, err
	}
	return s.runner.RunCase(ctx, cmd, input, timeout)
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return appErr.New(appErr.SandboxSystemError).WithMessage("process session is closed")
	}
	return nil
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so the
// pipe keeps draining.
type cappedBuffer struct {
	buf   []byte
	limit int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(len(b.buf))
	if room > 0 {
		if int64(len(p)) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}
