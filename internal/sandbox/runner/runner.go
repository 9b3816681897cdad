// Package runner defines the isolation strategy contract shared by the process and container runners.
package runner

import (
	"context"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
)

// TimeoutExitCode marks a case killed by the wall-clock watchdog.
// It lies outside the range any real process can exit with.
const TimeoutExitCode = -10001

// TimeoutMessage is reported as stderr of a timed out case.
const TimeoutMessage = "timeout"

// CaseResult is the outcome of one compile or run attempt.
type CaseResult struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	ElapsedMs       int64
	PeakMemoryBytes *int64
	TimedOut        bool
}

// Succeeded reports whether the attempt exited with status zero.
func (r CaseResult) Succeeded() bool {
	return r.ExitCode == 0
}

// TimedOutResult builds the result for a case killed at its deadline.
// Output of a killed case is not trusted and is dropped.
func TimedOutResult(elapsed time.Duration) CaseResult {
	return CaseResult{
		ExitCode:  TimeoutExitCode,
		Stderr:    TimeoutMessage,
		ElapsedMs: elapsed.Milliseconds(),
		TimedOut:  true,
	}
}

// Compiler runs a compile command on the host.
type Compiler interface {
	Compile(ctx context.Context, cmd []string, dir string, env []string) (CaseResult, error)
}

// Session executes one submission's commands. It is owned by a single pipeline run.
//
// Errors are returned only for faults of the sandbox itself. A user program that
// fails, crashes or times out yields a CaseResult with a non-zero exit code.
type Session interface {
	Compile(ctx context.Context, cmd command.ExecutionCommand) (CaseResult, error)
	RunCase(ctx context.Context, cmd command.RunCommand, input string, timeout time.Duration) (CaseResult, error)
	Close() error
}

// Runner is an isolation strategy. Open acquires whatever per-submission
// resources the strategy needs; Session.Close releases them.
type Runner interface {
	Name() string
	Open(ctx context.Context, ws *workspace.Workspace, cmd command.ExecutionCommand) (Session, error)
}

// RootMapper is implemented by strategies whose programs see the workspace at a
// path other than its host directory.
type RootMapper interface {
	RunRoot() string
}
