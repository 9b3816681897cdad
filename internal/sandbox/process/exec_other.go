//go:build !linux

package process

import (
	"context"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

func (r *Runner) execute(ctx context.Context, spec spawnSpec, timeout time.Duration) (runner.CaseResult, error) {
	return runner.CaseResult{}, appErr.New(appErr.SandboxSystemError).WithMessage("process runner is only supported on linux")
}
