package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/common/http/middleware"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/model"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeService struct {
	lastReq pipeline.Request
	execErr error
	jobs    map[string]model.Job
}

func (f *fakeService) Execute(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.lastReq = req
	if f.execErr != nil {
		return pipeline.Response{}, f.execErr
	}
	return pipeline.Response{Status: 1, OutputList: []string{"3"}}, nil
}

func (f *fakeService) Submit(_ context.Context, req pipeline.Request) (model.Job, error) {
	f.lastReq = req
	return model.Job{ID: "job-1", Status: model.JobPending}, nil
}

func (f *fakeService) Job(_ context.Context, id string) (model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return model.Job{}, appErr.New(appErr.JobNotFound)
	}
	return job, nil
}

func newRouter(svc SandboxService, guards ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewSandboxController(svc).Register(r, http.NotFoundHandler(), guards...)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestExecuteReturnsRawResponse(t *testing.T) {
	svc := &fakeService{}
	w := do(newRouter(svc), http.MethodPost, "/codesandbox/execute",
		`{"code":"print(1)","language":"python","inputList":["1 2"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != float64(1) {
		t.Fatalf("expected raw status 1, got %v", resp)
	}
	if _, wrapped := resp["code"]; wrapped {
		t.Fatalf("expected unwrapped response, got %v", resp)
	}
	if svc.lastReq.Language != "python" || len(svc.lastReq.Inputs) != 1 || svc.lastReq.Inputs[0] != "1 2" {
		t.Fatalf("unexpected request %+v", svc.lastReq)
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "bad json", body: "{", status: http.StatusBadRequest},
		{name: "busy", body: `{"code":"x","language":"python"}`, err: appErr.New(appErr.SandboxBusy), status: http.StatusTooManyRequests},
		{name: "too large", body: `{"code":"x","language":"python"}`, err: appErr.New(appErr.CodeTooLarge), status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newRouter(&fakeService{execErr: tt.err}), http.MethodPost, "/codesandbox/execute", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestJobRoutes(t *testing.T) {
	svc := &fakeService{jobs: map[string]model.Job{"job-1": {ID: "job-1", Status: model.JobFinished}}}
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/api/v1/sandbox/jobs", `{"code":"x","language":"python"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	w = do(r, http.MethodGet, "/api/v1/sandbox/jobs/job-1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"finished"`) {
		t.Fatalf("expected finished job, got %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/api/v1/sandbox/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGuardsSkipHealth(t *testing.T) {
	deny := func(c *gin.Context) {
		c.AbortWithStatus(http.StatusForbidden)
	}
	r := newRouter(&fakeService{}, deny)

	if w := do(r, http.MethodGet, "/health", ""); w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("expected open health check, got %d %q", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/codesandbox/execute", `{}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected guarded execute, got %d", w.Code)
	}
}

func TestExecuteCodeRouteIsGuarded(t *testing.T) {
	svc := &fakeService{}
	guard := middleware.SharedSecretMiddleware(middleware.AuthConfig{Enabled: true, Secret: "s3cret"}, nil)
	r := newRouter(svc, guard)
	body := `{"code":"print(1)","language":"python","inputList":["1"]}`

	if w := do(r, http.MethodPost, "/executeCode", body); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/executeCode", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("auth", "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret, got %d: %s", w.Code, w.Body.String())
	}
	if svc.lastReq.Language != "python" {
		t.Fatalf("expected request forwarded, got %+v", svc.lastReq)
	}
}
