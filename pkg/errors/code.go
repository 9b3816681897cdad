package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission errors
// 13100-13199: Sandbox execution errors
// 13200-13299: Job errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Message queue errors (10400-10499)
	QueueError          ErrorCode = 10400
	QueuePublishFailed  ErrorCode = 10401
	QueueMessageInvalid ErrorCode = 10403

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Submission Errors (13000-13099) ==========

	CodeTooLarge              ErrorCode = 13002
	LanguageNotSupported      ErrorCode = 13003
	InputTooLarge             ErrorCode = 13004
	CodeContainsForbiddenWord ErrorCode = 13006

	// ========== Sandbox Errors (13100-13199) ==========

	SandboxBusy        ErrorCode = 13100
	SandboxSystemError ErrorCode = 13101
	CompilationError   ErrorCode = 13102
	RuntimeError       ErrorCode = 13103
	TimeLimitExceeded  ErrorCode = 13104
	ProcessSpawnFailed ErrorCode = 13106
	ContainerError     ErrorCode = 13110
	ImagePullFailed    ErrorCode = 13111
	WorkspaceError     ErrorCode = 13120

	// ========== Job Errors (13200-13299) ==========

	JobNotFound     ErrorCode = 13200
	JobStoreFailed  ErrorCode = 13201
	JobSubmitFailed ErrorCode = 13202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",

	// Message queue
	QueueError:          "Message queue operation failed",
	QueuePublishFailed:  "Failed to publish message",
	QueueMessageInvalid: "Invalid queue message",

	// Validation
	ValidationFailed: "Validation failed",

	// Submission
	CodeTooLarge:              "Code is too large",
	LanguageNotSupported:      "Programming language not supported",
	InputTooLarge:             "Input is too large",
	CodeContainsForbiddenWord: "Code contains a forbidden word",

	// Sandbox
	SandboxBusy:        "Sandbox is busy, please try again later",
	SandboxSystemError: "Sandbox system error",
	CompilationError:   "Compilation error",
	RuntimeError:       "Runtime error",
	TimeLimitExceeded:  "Time limit exceeded",
	ProcessSpawnFailed: "Failed to start process",
	ContainerError:     "Container operation failed",
	ImagePullFailed:    "Failed to pull execution image",
	WorkspaceError:     "Workspace operation failed",

	// Jobs
	JobNotFound:     "Job not found",
	JobStoreFailed:  "Failed to store job",
	JobSubmitFailed: "Failed to submit job",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == JobNotFound:
		return 404
	case c == TooManyRequests, c == SandboxBusy:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == CodeTooLarge, c == InputTooLarge:
		return 400
	default:
		return 500
	}
}
