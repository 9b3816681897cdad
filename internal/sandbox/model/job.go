// Package model holds the asynchronous job record.
package model

import (
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
)

// JobStatus is the lifecycle state of an asynchronous submission.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	// JobFailed means the job could not be evaluated at all, for example the
	// service shut down before it ran.
	JobFailed JobStatus = "failed"
)

// JobSource records how a job arrived.
type JobSource string

const (
	SourceHTTP  JobSource = "http"
	SourceKafka JobSource = "kafka"
)

// Job is a submission evaluated in the background.
type Job struct {
	ID        string             `json:"id"`
	Status    JobStatus          `json:"status"`
	Language  string             `json:"language"`
	Source    JobSource          `json:"source"`
	Response  *pipeline.Response `json:"response,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.Status == JobFinished || j.Status == JobFailed
}
