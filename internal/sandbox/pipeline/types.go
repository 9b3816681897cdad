package pipeline

import (
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/result"
)

// Request is one submission.
type Request struct {
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Inputs   []string `json:"inputList"`
	// TimeLimitMs overrides the per-case timeout when positive.
	TimeLimitMs int64 `json:"timeLimit,omitempty"`
}

// JudgeInfo carries the worst-case metrics of the executed cases.
type JudgeInfo struct {
	Time   int64  `json:"time"`
	Memory *int64 `json:"memory"`
}

// Response is the external shape of a verdict.
type Response struct {
	Status     result.Status `json:"status"`
	Message    *string       `json:"message"`
	OutputList []string      `json:"outputList"`
	JudgeInfo  JudgeInfo     `json:"judgeInfo"`
	Reason     result.Reason `json:"reason,omitempty"`
}

// ToResponse maps a verdict to its wire form. Message is null for accepted
// submissions and outputList is never null.
func ToResponse(v result.Verdict) Response {
	resp := Response{
		Status:     v.Status,
		OutputList: v.Outputs,
		JudgeInfo: JudgeInfo{
			Time:   v.Metrics.TimeMs,
			Memory: v.Metrics.MemoryBytes,
		},
		Reason: v.Reason,
	}
	if resp.OutputList == nil {
		resp.OutputList = []string{}
	}
	if !v.Accepted() {
		msg := v.Message
		resp.Message = &msg
	}
	return resp
}
