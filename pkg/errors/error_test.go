package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	. "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{LanguageNotSupported, "Programming language not supported"},
		{InvalidParams, "Invalid parameters"},
		{SandboxSystemError, "Sandbox system error"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{LanguageNotSupported, 400},
		{Unauthorized, 401},
		{JobNotFound, 404},
		{SandboxBusy, 429},
		{SandboxSystemError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(LanguageNotSupported)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Code != LanguageNotSupported {
		t.Errorf("Code = %v, want %v", err.Code, LanguageNotSupported)
	}
	if err.Error() != LanguageNotSupported.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), LanguageNotSupported.Message())
	}
}

func TestWrapf(t *testing.T) {
	cause := errors.New("no space left on device")
	err := Wrapf(cause, WorkspaceError, "write source file failed")

	if err.Code != WorkspaceError {
		t.Errorf("Code = %v, want %v", err.Code, WorkspaceError)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "no space left on device") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
	if Wrapf(nil, WorkspaceError, "ignored") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestGetCodeThroughFmtWrapping(t *testing.T) {
	inner := New(ContainerError)
	outer := fmt.Errorf("open session: %w", inner)

	if got := GetCode(outer); got != ContainerError {
		t.Errorf("GetCode() = %v, want %v", got, ContainerError)
	}
	if !Is(outer, ContainerError) {
		t.Error("Is() should see codes through fmt wrapping")
	}
	if GetCode(nil) != Success {
		t.Error("GetCode(nil) should be Success")
	}
	if GetCode(errors.New("plain")) != InternalServerError {
		t.Error("GetCode(plain) should be InternalServerError")
	}
}

func TestSystemError(t *testing.T) {
	cause := errors.New("docker daemon unreachable")
	err := SystemError(cause)
	if err.Code != SandboxSystemError {
		t.Fatalf("expected code %v, got %v", SandboxSystemError, err.Code)
	}
	if err.Error() != cause.Error() {
		t.Fatalf("expected message %q, got %q", cause.Error(), err.Error())
	}
	if again := SystemError(err); again != err {
		t.Fatalf("expected SystemError to reuse an existing system error")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("code", "required")
	if err.Code != ValidationFailed {
		t.Error("ValidationError should use ValidationFailed code")
	}
	if err.Details["field"] != "code" {
		t.Error("Field detail not set")
	}
	if err.Error() != "code: required" {
		t.Errorf("Error() = %q", err.Error())
	}
}
