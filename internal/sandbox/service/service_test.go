package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/mq"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/command"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/model"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/workspace"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

type namedRunner struct{ name string }

func (r namedRunner) Name() string { return r.name }

func (r namedRunner) Open(context.Context, *workspace.Workspace, command.ExecutionCommand) (runner.Session, error) {
	return nil, appErr.New(appErr.SandboxSystemError)
}

type fakeExecutor struct {
	mu       sync.Mutex
	used     []string
	block    chan struct{}
	started  chan struct{}
	response pipeline.Response
}

func (f *fakeExecutor) Execute(ctx context.Context, strategy runner.Runner, req pipeline.Request) pipeline.Response {
	f.mu.Lock()
	name := "none"
	if strategy != nil {
		name = strategy.Name()
	}
	f.used = append(f.used, name)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.response
}

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]model.Job
	claims  map[string]bool
	history []model.JobStatus
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]model.Job{}, claims: map[string]bool{}}
}

func (f *fakeJobs) Save(_ context.Context, job model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.history = append(f.history, job.Status)
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return model.Job{}, appErr.New(appErr.JobNotFound)
	}
	return job, nil
}

func (f *fakeJobs) Claim(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[id] {
		return false, nil
	}
	f.claims[id] = true
	return true, nil
}

func (f *fakeJobs) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, id)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*mq.Message
}

func (f *fakePublisher) Publish(_ context.Context, topic string, msg *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, msg)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	finished int
	rejected []string
}

func (f *fakeRecorder) RunStarted() {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeRecorder) RunFinished() {
	f.mu.Lock()
	f.finished++
	f.mu.Unlock()
}

func (f *fakeRecorder) Rejected(reason string) {
	f.mu.Lock()
	f.rejected = append(f.rejected, reason)
	f.mu.Unlock()
}

func testLanguages() *command.Resolver {
	return command.NewResolver([]command.LanguageSpec{
		{ID: "python", SourceFile: "main.py", RunCmdTpl: "python3 {src}", Strategy: command.StrategyProcess},
		{ID: "java", SourceFile: "Main.java", RunCmdTpl: "java Main", Strategy: command.StrategyContainer},
	})
}

func testStrategies() []runner.Runner {
	return []runner.Runner{namedRunner{name: command.StrategyProcess}, namedRunner{name: command.StrategyContainer}}
}

func TestExecuteSelectsStrategyByLanguage(t *testing.T) {
	exec := &fakeExecutor{response: pipeline.Response{Status: 1, OutputList: []string{"ok"}}}
	recorder := &fakeRecorder{}
	svc := NewService(Config{}, Deps{
		Pipeline:   exec,
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Recorder:   recorder,
	})

	for _, lang := range []string{"python", "java", "cobol"} {
		resp, err := svc.Execute(context.Background(), pipeline.Request{Code: "x", Language: lang})
		if err != nil {
			t.Fatalf("execute %s: %v", lang, err)
		}
		if resp.Status != 1 {
			t.Fatalf("expected status 1, got %d", resp.Status)
		}
	}
	want := []string{"process", "container", "process"}
	for i, name := range want {
		if exec.used[i] != name {
			t.Fatalf("expected strategy %s for call %d, got %s", name, i, exec.used[i])
		}
	}
	if recorder.started != 3 || recorder.finished != 3 {
		t.Fatalf("expected 3 started and finished runs, got %d/%d", recorder.started, recorder.finished)
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	svc := NewService(Config{MaxCodeBytes: 8, MaxInputs: 2, MaxInputBytes: 4}, Deps{
		Pipeline:   &fakeExecutor{},
		Languages:  testLanguages(),
		Strategies: testStrategies(),
	})

	tests := []struct {
		name string
		req  pipeline.Request
		code appErr.ErrorCode
	}{
		{name: "empty code", req: pipeline.Request{Code: "  ", Language: "python"}, code: appErr.ValidationFailed},
		{name: "missing language", req: pipeline.Request{Code: "x"}, code: appErr.ValidationFailed},
		{name: "code too large", req: pipeline.Request{Code: strings.Repeat("x", 9), Language: "python"}, code: appErr.CodeTooLarge},
		{name: "too many inputs", req: pipeline.Request{Code: "x", Language: "python", Inputs: []string{"1", "2", "3"}}, code: appErr.InputTooLarge},
		{name: "inputs too large", req: pipeline.Request{Code: "x", Language: "python", Inputs: []string{"123", "45"}}, code: appErr.InputTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Execute(context.Background(), tt.req)
			if !appErr.Is(err, tt.code) {
				t.Fatalf("expected code %d, got %v", tt.code, err)
			}
		})
	}
}

func TestExecuteRejectsWhenBusy(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	recorder := &fakeRecorder{}
	svc := NewService(Config{PoolSize: 1, AcquireTimeout: 20 * time.Millisecond}, Deps{
		Pipeline:   exec,
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Recorder:   recorder,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Execute(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	}()
	<-exec.started

	_, err := svc.Execute(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	if !appErr.Is(err, appErr.SandboxBusy) {
		t.Fatalf("expected SandboxBusy, got %v", err)
	}
	close(exec.block)
	<-done

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.rejected) != 1 || recorder.rejected[0] != "busy" {
		t.Fatalf("expected one busy rejection, got %v", recorder.rejected)
	}
}

func TestSubmitRunsJobInBackground(t *testing.T) {
	jobs := newFakeJobs()
	pub := &fakePublisher{}
	exec := &fakeExecutor{response: pipeline.Response{Status: 1, OutputList: []string{"3"}}}
	svc := NewService(Config{ResultTopic: "sandbox.results"}, Deps{
		Pipeline:   exec,
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Jobs:       jobs,
		Publisher:  pub,
	})

	job, err := svc.Submit(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != model.JobPending || job.ID == "" {
		t.Fatalf("expected pending job with id, got %+v", job)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stored, err := svc.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != model.JobFinished || stored.Response == nil || stored.Response.OutputList[0] != "3" {
		t.Fatalf("expected finished job with output, got %+v", stored)
	}
	want := []model.JobStatus{model.JobPending, model.JobRunning, model.JobFinished}
	if len(jobs.history) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, jobs.history)
	}
	for i := range want {
		if jobs.history[i] != want[i] {
			t.Fatalf("expected statuses %v, got %v", want, jobs.history)
		}
	}
	if len(pub.topics) != 1 || pub.topics[0] != "sandbox.results" || pub.messages[0].ID != job.ID {
		t.Fatalf("expected one result published for %s, got %v", job.ID, pub.topics)
	}
}

func TestSubmitAfterShutdownIsRejected(t *testing.T) {
	jobs := newFakeJobs()
	svc := NewService(Config{}, Deps{
		Pipeline:   &fakeExecutor{},
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Jobs:       jobs,
	})
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, err := svc.Submit(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	if !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if len(jobs.history) != 0 {
		t.Fatalf("expected no job stored, got %v", jobs.history)
	}
}

func TestSubmitConcurrentWithShutdown(t *testing.T) {
	svc := NewService(Config{}, Deps{
		Pipeline:   &fakeExecutor{response: pipeline.Response{Status: 1}},
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Jobs:       newFakeJobs(),
	})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), pipeline.Request{Code: "x", Language: "python"})
			if err != nil && !appErr.Is(err, appErr.ServiceUnavailable) {
				t.Errorf("expected accepted or ServiceUnavailable, got %v", err)
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()
}

func TestSubmitWithoutStore(t *testing.T) {
	svc := NewService(Config{}, Deps{Pipeline: &fakeExecutor{}, Strategies: testStrategies()})
	_, err := svc.Submit(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	if !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	jobs := newFakeJobs()
	exec := &fakeExecutor{response: pipeline.Response{Status: 1, OutputList: []string{}}}
	svc := NewService(Config{}, Deps{
		Pipeline:   exec,
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Jobs:       jobs,
	})

	body, _ := json.Marshal(pipeline.Request{Code: "x", Language: "python"})
	msg := mq.NewMessage("sub-1", body)
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle duplicate: %v", err)
	}
	if len(exec.used) != 1 {
		t.Fatalf("expected duplicate to be skipped, got %d runs", len(exec.used))
	}
	job, _ := jobs.Get(context.Background(), "sub-1")
	if job.Status != model.JobFinished || job.Source != model.SourceKafka {
		t.Fatalf("expected finished kafka job, got %+v", job)
	}

	if err := svc.HandleMessage(context.Background(), mq.NewMessage("sub-2", []byte("{"))); err != nil {
		t.Fatalf("invalid message should be acknowledged, got %v", err)
	}
	job, _ = jobs.Get(context.Background(), "sub-2")
	if job.Status != model.JobFailed || job.Error == "" {
		t.Fatalf("expected failed job, got %+v", job)
	}
}

func TestHandleMessageReleasesClaimWhenBusy(t *testing.T) {
	jobs := newFakeJobs()
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	svc := NewService(Config{PoolSize: 1, AcquireTimeout: 20 * time.Millisecond}, Deps{
		Pipeline:   exec,
		Languages:  testLanguages(),
		Strategies: testStrategies(),
		Jobs:       jobs,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Execute(context.Background(), pipeline.Request{Code: "x", Language: "python"})
	}()
	<-exec.started

	body, _ := json.Marshal(pipeline.Request{Code: "x", Language: "python"})
	err := svc.HandleMessage(context.Background(), mq.NewMessage("sub-3", body))
	if !appErr.Is(err, appErr.SandboxBusy) {
		t.Fatalf("expected SandboxBusy, got %v", err)
	}
	close(exec.block)
	<-done

	jobs.mu.Lock()
	claimed := jobs.claims["sub-3"]
	jobs.mu.Unlock()
	if claimed {
		t.Fatalf("expected claim to be released for retry")
	}
}
