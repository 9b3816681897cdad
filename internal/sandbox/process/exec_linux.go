//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

	// drainGrace bounds how long output may stay open after the program exits.
	drainGrace = 50 * time.Millisecond
)

func (r *Runner) execute(ctx context.Context, spec spawnSpec, timeout time.Duration) (runner.CaseResult, error) {
	if len(spec.Argv) == 0 {
		return runner.CaseResult{}, appErr.ValidationError("command", "required")
	}
	if err := ctx.Err(); err != nil {
		return runner.CaseResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "execution cancelled before start")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = childEnv(spec.Env)
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var cg *runCgroup
	if r.cfg.CgroupRoot != "" {
		var err error
		cg, err = createRunCgroup(r.cfg.CgroupRoot, r.cfg.CgroupMemoryBytes, r.cfg.CgroupPidsLimit)
		if err != nil {
			return runner.CaseResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "create run cgroup failed")
		}
		defer cg.remove()
		attr.UseCgroupFD = true
		attr.CgroupFD = cg.fd()
	}
	cmd.SysProcAttr = attr

	p, err := openPipes(spec.HasStdin)
	if err != nil {
		return runner.CaseResult{}, appErr.Wrapf(err, appErr.ProcessSpawnFailed, "open pipes failed")
	}
	defer p.closeParent()
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	if p.stdinR != nil {
		cmd.Stdin = p.stdinR
	}

	start := time.Now()
	startErr := cmd.Start()
	p.closeChild()
	if startErr != nil {
		return runner.CaseResult{}, appErr.Wrapf(startErr, appErr.ProcessSpawnFailed, "start %s failed", spec.Argv[0])
	}
	pid := cmd.Process.Pid
	kill := func() {
		killProcessGroup(pid)
		if cg != nil {
			cg.kill()
		}
	}

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	watchdogExited := make(chan struct{})
	go func() {
		defer close(watchdogExited)
		var deadline <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-done:
		case <-deadline:
			timedOut.Store(true)
			kill()
		case <-ctx.Done():
			cancelled.Store(true)
			kill()
		}
	}()

	stdout := newCappedBuffer(r.cfg.OutputLimitBytes)
	stderr := newCappedBuffer(r.cfg.OutputLimitBytes)
	var g errgroup.Group
	if p.stdinW != nil {
		g.Go(func() error {
			defer p.stdinW.Close()
			// EPIPE here only means the program stopped reading.
			_, _ = io.WriteString(p.stdinW, spec.Stdin)
			return nil
		})
	}
	g.Go(func() error {
		return copyOutput(stdout, p.stdoutR)
	})
	g.Go(func() error {
		return copyOutput(stderr, p.stderrR)
	})
	drained := make(chan error, 1)
	go func() {
		drained <- g.Wait()
	}()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	close(done)
	<-watchdogExited
	// Whatever the program left behind in its group or cgroup dies with it.
	kill()

	var drainErr error
	select {
	case drainErr = <-drained:
	case <-time.After(drainGrace):
		killed := killPipeHolders(p.inodes())
		logger.Warn(ctx, "process output held open after exit",
			zap.Strings("argv", spec.Argv),
			zap.Ints("killedPids", killed),
		)
		select {
		case <-drained:
		case <-time.After(drainGrace):
			p.closeParent()
			<-drained
		}
	}

	if timedOut.Load() {
		logger.Debug(ctx, "process killed at deadline",
			zap.Strings("argv", spec.Argv),
			zap.Duration("timeout", timeout),
		)
		return runner.TimedOutResult(elapsed), nil
	}
	if cancelled.Load() {
		return runner.CaseResult{}, appErr.Wrapf(ctx.Err(), appErr.SandboxSystemError, "execution cancelled")
	}
	if drainErr != nil {
		return runner.CaseResult{}, appErr.Wrapf(drainErr, appErr.SandboxSystemError, "read process output failed")
	}

	exitCode, err := exitCodeFromErr(waitErr, cmd.ProcessState)
	if err != nil {
		return runner.CaseResult{}, appErr.Wrapf(err, appErr.SandboxSystemError, "wait for process failed")
	}

	return runner.CaseResult{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}

// childEnv is the whole environment of a sandboxed program: a search path
// plus what the language asks for. Server secrets are never inherited.
func childEnv(extra []string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := make([]string, 0, len(extra)+1)
	env = append(env, "PATH="+path)
	return append(env, extra...)
}

func copyOutput(dst io.Writer, src *os.File) error {
	_, err := io.Copy(dst, src)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// pipeSet owns both ends of the stdio pipes so the parent can bound the drain
// instead of waiting on EOF from every process that inherited them.
type pipeSet struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes(withStdin bool) (*pipeSet, error) {
	p := &pipeSet{}
	var err error
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeChild()
		p.closeParent()
		return nil, err
	}
	if withStdin {
		if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
			p.closeChild()
			p.closeParent()
			return nil, err
		}
	}
	return p, nil
}

// closeChild drops the ends handed to the program.
func (p *pipeSet) closeChild() {
	for _, f := range []*os.File{p.stdinR, p.stdoutW, p.stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// closeParent is safe to call more than once; closing unblocks pending reads.
func (p *pipeSet) closeParent() {
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *pipeSet) inodes() map[uint64]struct{} {
	out := make(map[uint64]struct{}, 3)
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR} {
		if f == nil {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			continue
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			out[st.Ino] = struct{}{}
		}
	}
	return out
}

// killPipeHolders kills processes outside the program's group that still hold
// one of its pipes, such as descendants that called setsid. Children of this
// server are skipped: they are other executions between fork and exec.
func killPipeHolders(inodes map[uint64]struct{}) []int {
	if len(inodes) == 0 {
		return nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	self := os.Getpid()
	var killed []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self || parentPid(pid) == self {
			continue
		}
		if holdsPipe(pid, inodes) {
			if unix.Kill(pid, unix.SIGKILL) == nil {
				killed = append(killed, pid)
			}
		}
	}
	return killed
}

func holdsPipe(pid int, inodes map[uint64]struct{}) bool {
	fdDir := fmt.Sprintf("/proc/%d/fd", pid)
	fds, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}
	for _, fd := range fds {
		link, err := os.Readlink(fdDir + "/" + fd.Name())
		if err != nil || !strings.HasPrefix(link, "pipe:[") {
			continue
		}
		ino, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(link, "pipe:["), "]"), 10, 64)
		if err != nil {
			continue
		}
		if _, ok := inodes[ino]; ok {
			return true
		}
	}
	return false
}

func parentPid(pid int) int {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return -1
	}
	// The command name may contain spaces; fields resume after its closing paren.
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return -1
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

// exitCodeFromErr maps a terminated process to an exit code. Death by signal
// becomes 128+signal, the shell convention.
func exitCodeFromErr(err error, state *os.ProcessState) (int, error) {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return state.ExitCode(), nil
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
