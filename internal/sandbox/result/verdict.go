// Package result classifies compile and case results into a submission verdict.
package result

import (
	"strings"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

// Status is the external status code of a verdict.
type Status int

const (
	// StatusAccepted means every case exited with status zero.
	StatusAccepted Status = 1
	// StatusSandboxError means the sandbox could not evaluate the submission.
	StatusSandboxError Status = 2
	// StatusRuntimeFailure means the program failed or ran out of time.
	StatusRuntimeFailure Status = 3
)

// Reason refines a non-accepted status.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonCompileError        Reason = "CompileError"
	ReasonRuntimeError        Reason = "RuntimeError"
	ReasonTimeLimitExceeded   Reason = "TimeLimitExceeded"
	ReasonSystemError         Reason = "SystemError"
	ReasonUnsupportedLanguage Reason = "UnsupportedLanguage"
)

const compileErrorMessage = "compile error"

// JudgeMetrics are maxima over the executed cases.
type JudgeMetrics struct {
	TimeMs      int64
	MemoryBytes *int64
}

// Verdict is the classified outcome of one submission.
type Verdict struct {
	Status  Status
	Reason  Reason
	// Code is the error code diagnosing a non-accepted verdict.
	Code    appErr.ErrorCode
	Message string
	Outputs []string
	Metrics JudgeMetrics
}

// Accepted reports whether every case succeeded.
func (v Verdict) Accepted() bool {
	return v.Status == StatusAccepted
}

// Aggregate applies fail-fast classification. compile is nil for interpreted
// languages. cases holds the executed cases in input order; only the last one
// may be non-zero.
func Aggregate(compile *runner.CaseResult, cases []runner.CaseResult) Verdict {
	if compile != nil && !compile.Succeeded() {
		return Verdict{
			Status:  StatusSandboxError,
			Reason:  ReasonCompileError,
			Code:    appErr.CompilationError,
			Message: compileMessage(*compile),
			Outputs: []string{},
		}
	}

	outputs := make([]string, 0, len(cases))
	metrics := measure(cases)
	for _, c := range cases {
		if c.Succeeded() {
			outputs = append(outputs, c.Stdout)
			continue
		}
		v := Verdict{
			Status:  StatusRuntimeFailure,
			Outputs: outputs,
			Metrics: metrics,
		}
		if c.TimedOut || c.ExitCode == runner.TimeoutExitCode {
			v.Reason = ReasonTimeLimitExceeded
			v.Code = appErr.TimeLimitExceeded
			v.Message = runner.TimeoutMessage
		} else {
			v.Reason = ReasonRuntimeError
			v.Code = appErr.RuntimeError
			v.Message = c.Stderr
		}
		return v
	}

	return Verdict{
		Status:  StatusAccepted,
		Outputs: outputs,
		Metrics: metrics,
	}
}

// SystemFault builds the verdict for a fault of the sandbox itself. Outputs of
// cases that already succeeded are discarded.
func SystemFault(err error) Verdict {
	reason := ReasonSystemError
	if appErr.Is(err, appErr.LanguageNotSupported) {
		reason = ReasonUnsupportedLanguage
	}
	code, msg := appErr.SandboxSystemError, appErr.SandboxSystemError.Message()
	if err != nil {
		code, msg = appErr.GetCode(err), err.Error()
	}
	return Verdict{
		Status:  StatusSandboxError,
		Reason:  reason,
		Code:    code,
		Message: msg,
		Outputs: []string{},
	}
}

func measure(cases []runner.CaseResult) JudgeMetrics {
	var m JudgeMetrics
	for _, c := range cases {
		if c.ElapsedMs > m.TimeMs {
			m.TimeMs = c.ElapsedMs
		}
		if c.PeakMemoryBytes != nil {
			if m.MemoryBytes == nil || *c.PeakMemoryBytes > *m.MemoryBytes {
				peak := *c.PeakMemoryBytes
				m.MemoryBytes = &peak
			}
		}
	}
	return m
}

func compileMessage(c runner.CaseResult) string {
	detail := strings.TrimSpace(c.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(c.Stdout)
	}
	if detail == "" {
		return compileErrorMessage
	}
	return compileErrorMessage + ": " + detail
}
