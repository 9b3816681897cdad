package container

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

type fakeClient struct {
	mu         sync.Mutex
	ensured    []string
	created    []ContainerSpec
	removed    []string
	killed     []string
	execs      []ExecSpec
	startErr   error
	memory     uint64
	execFunc   func(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error)
	nextID     int
	statsCalls int
}

func (f *fakeClient) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, image)
	return nil
}

func (f *fakeClient) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	f.nextID++
	return "c" + strconv.Itoa(f.nextID), nil
}

func (f *fakeClient) Start(ctx context.Context, id string) error {
	return f.startErr
}

func (f *fakeClient) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.execs = append(f.execs, spec)
	fn := f.execFunc
	f.mu.Unlock()
	return fn(ctx, spec, stdout, stderr)
}

func (f *fakeClient) KillExecs(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeClient) MemoryUsage(ctx context.Context, id string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	return f.memory, nil
}

func (f *fakeClient) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeCompiler struct {
	calls [][]string
}

func (c *fakeCompiler) Compile(ctx context.Context, cmd []string, dir string, env []string) (runner.CaseResult, error) {
	c.calls = append(c.calls, cmd)
	return runner.CaseResult{}, nil
}

func newTestRunner(client *fakeClient, compiler runner.Compiler) *Runner {
	return NewRunner(client, compiler, command.NewResolver(command.DefaultLanguages()), Config{
		StatsInterval: 5 * time.Millisecond,
	})
}

func openSession(t *testing.T, r *Runner, language string) runner.Session {
	t.Helper()
	ws := &workspace.Workspace{ID: "ws", Dir: "/host/ws"}
	s, err := r.Open(context.Background(), ws, command.ExecutionCommand{Language: language})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpenAppliesLimitsAndPrimesImageOnce(t *testing.T) {
	client := &fakeClient{}
	r := newTestRunner(client, nil)

	s1 := openSession(t, r, "java")
	s2 := openSession(t, r, "JVM_COMPILED")
	_ = s1.Close()
	_ = s2.Close()

	if len(client.ensured) != 1 || client.ensured[0] != "openjdk:8-alpine" {
		t.Fatalf("expected one image check for openjdk:8-alpine, got %v", client.ensured)
	}
	want := ContainerSpec{
		Image:       "openjdk:8-alpine",
		MountSource: "/host/ws",
		MountTarget: "/app",
		MemoryBytes: 100 * 1000 * 1000,
		NanoCPUs:    1e9,
		PidsLimit:   64,
	}
	if !reflect.DeepEqual(client.created[0], want) {
		t.Fatalf("expected spec %+v, got %+v", want, client.created[0])
	}
	if r.RunRoot() != "/app" {
		t.Fatalf("expected run root /app, got %s", r.RunRoot())
	}
}

func TestOpenRemovesContainerWhenStartFails(t *testing.T) {
	client := &fakeClient{startErr: appErr.New(appErr.ContainerError)}
	r := newTestRunner(client, nil)
	_, err := r.Open(context.Background(), &workspace.Workspace{Dir: "/w"}, command.ExecutionCommand{Language: "cpp"})
	if !appErr.Is(err, appErr.ContainerError) {
		t.Fatalf("expected ContainerError, got %v", err)
	}
	if len(client.removed) != 1 {
		t.Fatalf("expected container removed after failed start, got %v", client.removed)
	}
}

func TestRunCaseDemuxesOutputAndSamplesMemory(t *testing.T) {
	client := &fakeClient{
		memory: 2048,
		execFunc: func(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
			_, _ = io.WriteString(stdout, "7\n")
			return 0, nil
		},
	}
	s := openSession(t, newTestRunner(client, nil), "java")
	defer s.Close()

	cmd := command.RunCommand{Argv: []string{"java", "-cp", "/app", "Main"}, Shape: command.ShapeArgs, Dir: "/app"}
	res, err := s.RunCase(context.Background(), cmd, "3 4", time.Second)
	if err != nil {
		t.Fatalf("run case: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "7\n" || res.Stderr != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.PeakMemoryBytes == nil || *res.PeakMemoryBytes != 2048 {
		t.Fatalf("expected peak memory 2048, got %v", res.PeakMemoryBytes)
	}
	wantArgv := []string{"java", "-cp", "/app", "Main", "3", "4"}
	if !reflect.DeepEqual(client.execs[0].Argv, wantArgv) || client.execs[0].HasStdin {
		t.Fatalf("unexpected exec spec %+v", client.execs[0])
	}
}

func TestRunCaseTimeoutCancelsExec(t *testing.T) {
	client := &fakeClient{
		execFunc: func(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
			_, _ = io.WriteString(stdout, "partial")
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	s := openSession(t, newTestRunner(client, nil), "python")
	defer s.Close()

	start := time.Now()
	res, err := s.RunCase(context.Background(), command.RunCommand{Argv: []string{"python3", "/app/main.py"}}, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("run case: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("deadline not enforced")
	}
	if !res.TimedOut || res.ExitCode != runner.TimeoutExitCode || res.Stdout != "" || res.Stderr != runner.TimeoutMessage {
		t.Fatalf("unexpected timeout result: %+v", res)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if !reflect.DeepEqual(client.killed, []string{"c1"}) {
		t.Fatalf("expected timed out exec killed in c1 before close, got %v", client.killed)
	}
	if len(client.removed) != 0 {
		t.Fatalf("kill must not wait for removal, removed %v", client.removed)
	}
}

func TestRunCaseFinishedExecIsNotKilled(t *testing.T) {
	client := &fakeClient{
		execFunc: func(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
			_, _ = io.WriteString(stdout, "ok")
			return 0, nil
		},
	}
	s := openSession(t, newTestRunner(client, nil), "python")
	defer s.Close()

	if _, err := s.RunCase(context.Background(), command.RunCommand{Argv: []string{"python3", "/app/main.py"}}, "", time.Second); err != nil {
		t.Fatalf("run case: %v", err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.killed) != 0 {
		t.Fatalf("expected no kill after a clean exit, got %v", client.killed)
	}
}

func TestRunCaseExecFailureIsContainerError(t *testing.T) {
	client := &fakeClient{
		execFunc: func(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
			return 0, errors.New("daemon gone")
		},
	}
	s := openSession(t, newTestRunner(client, nil), "cpp")
	defer s.Close()

	_, err := s.RunCase(context.Background(), command.RunCommand{Argv: []string{"/app/main"}}, "", time.Second)
	if !appErr.Is(err, appErr.ContainerError) {
		t.Fatalf("expected ContainerError, got %v", err)
	}
}

func TestCompileDelegatesToHostCompiler(t *testing.T) {
	compiler := &fakeCompiler{}
	s := openSession(t, newTestRunner(&fakeClient{}, compiler), "cpp")
	defer s.Close()

	cmd := command.ExecutionCommand{Compile: []string{"g++", "/host/ws/main.cpp"}}
	if _, err := s.Compile(context.Background(), cmd); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(compiler.calls) != 1 || compiler.calls[0][0] != "g++" {
		t.Fatalf("expected host compile, got %v", compiler.calls)
	}
}

func TestCloseRemovesOnce(t *testing.T) {
	client := &fakeClient{}
	s := openSession(t, newTestRunner(client, nil), "cpp")
	_ = s.Close()
	_ = s.Close()
	if len(client.removed) != 1 {
		t.Fatalf("expected single removal, got %v", client.removed)
	}
}
