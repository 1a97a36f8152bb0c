package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestExtractErrorMessagePriority(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"detail object", `{"detail":{"message":"quota exceeded"},"message":"outer"}`, "quota exceeded"},
		{"detail list msg", `{"detail":[{"loc":["body"],"msg":"field required"}]}`, "field required"},
		{"detail list message", `{"detail":[{"message":"first"},{"message":"second"}]}`, "first"},
		{"detail string", `{"detail":"Task not found"}`, "Task not found"},
		{"top-level message", `{"message":"bad request"}`, "bad request"},
		{"empty detail list", `{"detail":[],"message":"fallback"}`, "fallback"},
		{"empty object", `{}`, "backend error (status 418)"},
		{"not json", `<html>oops</html>`, "backend error (status 418)"},
		{"empty body", ``, "backend error (status 418)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractErrorMessage(418, []byte(tc.body)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewAPIErrorDefaults(t *testing.T) {
	err := NewAPIError(ErrCodeTaskNotFound, "", 0)
	if err.Message != ErrCodeTaskNotFound.Message() {
		t.Errorf("message = %q", err.Message)
	}
	if err.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", err.StatusCode)
	}
	if err.Error() != "TASK_NOT_FOUND: "+err.Message {
		t.Errorf("Error() = %q", err.Error())
	}

	custom := NewAPIError(ErrCodeBackend, "upstream said no", http.StatusTeapot)
	if custom.Message != "upstream said no" || custom.StatusCode != http.StatusTeapot {
		t.Errorf("custom = %+v", custom)
	}
}

func TestEveryCodeHasMessageAndStatus(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeMissingPassword, ErrCodeAuth, ErrCodeNetwork, ErrCodeNoFile,
		ErrCodeTaskNotFound, ErrCodeBackend, ErrCodeAPI, ErrCodeNotImplemented,
		ErrCodeInvalidFileType, ErrCodeFileTooLarge, ErrCodeInvalidArchive,
		ErrCodeInvalidPayload, ErrCodeResultURL, ErrCodeNoDownloadURL,
		ErrCodeDownload, ErrCodeInvalidResponse, ErrCodeLogin, ErrCodeRateLimited,
	}
	for _, code := range codes {
		if code.Message() == "" {
			t.Errorf("%s has no message", code)
		}
		if s := code.HTTPStatus(); s < 400 || s > 599 {
			t.Errorf("%s has status %d", code, s)
		}
	}
	if ErrCodeNotImplemented.HTTPStatus() != http.StatusNotImplemented {
		t.Error("NOT_IMPLEMENTED should be 501")
	}
	if ErrCodeMissingPassword.HTTPStatus() != http.StatusBadRequest {
		t.Error("MISSING_PASSWORD should be 400")
	}
}

func TestWrapAPIErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapAPIError(ErrCodeDownload, "", 0, cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause lost")
	}
	wrapped := fmt.Errorf("saving: %w", err)
	if got := AsAPIError(wrapped); got != err {
		t.Fatalf("AsAPIError did not find the wrapped APIError: %v", got)
	}
}

func TestAsAPIErrorClassifies(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{errors.New("dial tcp 127.0.0.1:8001: connect: connection refused"), ErrCodeNetwork},
		{errors.New("401 Unauthorized"), ErrCodeAuth},
		{errors.New("invalid character '<' looking for beginning of value"), ErrCodeInvalidResponse},
		{context.DeadlineExceeded, ErrCodeNetwork},
		{fmt.Errorf("lookup: %w", ErrTaskNotFound), ErrCodeTaskNotFound},
		{errors.New("something odd"), ErrCodeAPI},
	}
	for _, tc := range cases {
		if got := AsAPIError(tc.err); got.Code != tc.want {
			t.Errorf("AsAPIError(%q).Code = %s, want %s", tc.err, got.Code, tc.want)
		}
	}
	if AsAPIError(nil) != nil {
		t.Error("nil error should stay nil")
	}
}
