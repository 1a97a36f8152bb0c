package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is the symbolic failure code surfaced to callers of the proxy
type ErrorCode string

const (
	ErrCodeMissingPassword ErrorCode = "MISSING_PASSWORD"
	ErrCodeAuth            ErrorCode = "AUTH_ERROR"
	ErrCodeNetwork         ErrorCode = "NETWORK_ERROR"
	ErrCodeNoFile          ErrorCode = "NO_FILE"
	ErrCodeTaskNotFound    ErrorCode = "TASK_NOT_FOUND"
	ErrCodeBackend         ErrorCode = "BACKEND_ERROR"
	ErrCodeAPI             ErrorCode = "API_ERROR"
	ErrCodeNotImplemented  ErrorCode = "NOT_IMPLEMENTED"

	// Input validation
	ErrCodeInvalidFileType ErrorCode = "INVALID_FILE_TYPE"
	ErrCodeFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	ErrCodeInvalidArchive  ErrorCode = "INVALID_ARCHIVE"
	ErrCodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"

	// Download indirection
	ErrCodeResultURL     ErrorCode = "RESULT_URL_ERROR"
	ErrCodeNoDownloadURL ErrorCode = "NO_DOWNLOAD_URL"
	ErrCodeDownload      ErrorCode = "DOWNLOAD_ERROR"

	ErrCodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	ErrCodeLogin           ErrorCode = "LOGIN_ERROR"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeMissingPassword: "please enter the admin password",
	ErrCodeAuth:            "authentication failed, please log in again",
	ErrCodeNetwork:         "network error, please check your connection",
	ErrCodeNoFile:          "no uploaded file found",
	ErrCodeTaskNotFound:    "task not found",
	ErrCodeBackend:         "backend service error",
	ErrCodeAPI:             "internal server error",
	ErrCodeNotImplemented:  "this endpoint is not implemented",
	ErrCodeInvalidFileType: "please choose a .rwmod file",
	ErrCodeFileTooLarge:    "file exceeds the size limit",
	ErrCodeInvalidArchive:  "the file is not a valid mod archive",
	ErrCodeInvalidPayload:  "request body must be an array of task keys",
	ErrCodeResultURL:       "failed to resolve the download link",
	ErrCodeNoDownloadURL:   "no download link available yet",
	ErrCodeDownload:        "failed to download the result",
	ErrCodeInvalidResponse: "invalid response from server",
	ErrCodeLogin:           "login failed",
	ErrCodeRateLimited:     "too many attempts, please try again later",
}

var errorStatus = map[ErrorCode]int{
	ErrCodeMissingPassword: http.StatusBadRequest,
	ErrCodeAuth:            http.StatusUnauthorized,
	ErrCodeNetwork:         http.StatusInternalServerError,
	ErrCodeNoFile:          http.StatusBadRequest,
	ErrCodeTaskNotFound:    http.StatusNotFound,
	ErrCodeBackend:         http.StatusBadGateway,
	ErrCodeAPI:             http.StatusInternalServerError,
	ErrCodeNotImplemented:  http.StatusNotImplemented,
	ErrCodeInvalidFileType: http.StatusBadRequest,
	ErrCodeFileTooLarge:    http.StatusRequestEntityTooLarge,
	ErrCodeInvalidArchive:  http.StatusBadRequest,
	ErrCodeInvalidPayload:  http.StatusBadRequest,
	ErrCodeResultURL:       http.StatusBadGateway,
	ErrCodeNoDownloadURL:   http.StatusNotFound,
	ErrCodeDownload:        http.StatusBadGateway,
	ErrCodeInvalidResponse: http.StatusBadGateway,
	ErrCodeLogin:           http.StatusInternalServerError,
	ErrCodeRateLimited:     http.StatusTooManyRequests,
}

// Message returns the fixed user-facing message for the code.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return errorMessages[ErrCodeAPI]
}

// HTTPStatus returns the default response status for the code.
func (c ErrorCode) HTTPStatus() int {
	if status, ok := errorStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// APIError is the uniform failure shape of every proxy and client operation.
type APIError struct {
	Code       ErrorCode `json:"error_code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError builds an APIError. An empty message falls back to the
// code's fixed message and a zero status to the code's default status.
func NewAPIError(code ErrorCode, message string, status int) *APIError {
	if message == "" {
		message = code.Message()
	}
	if status == 0 {
		status = code.HTTPStatus()
	}
	return &APIError{Code: code, Message: message, StatusCode: status}
}

// WrapAPIError is NewAPIError keeping err as the cause.
func WrapAPIError(code ErrorCode, message string, status int, err error) *APIError {
	apiErr := NewAPIError(code, message, status)
	apiErr.Err = err
	return apiErr
}

// AsAPIError reports err as an APIError, classifying it when it is not one.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return defaultClassifier.Classify(err)
}

// ExtractErrorMessage picks the most specific message out of a failed
// backend response body, in order: detail.message, detail[0].msg or
// detail[0].message, a string detail, a top-level message, and finally
// a generic text carrying the status code.
func ExtractErrorMessage(status int, body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if msg := detailMessage(payload.Detail); msg != "" {
			return msg
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("backend error (status %d)", status)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}

	var list []struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		if list[0].Message != "" {
			return list[0].Message
		}
		return list[0].Msg
	}

	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	return ""
}

// ErrorClassifier maps transport and backend errors onto error codes
// by matching their text.
type ErrorClassifier struct {
	patterns []classifierRule
}

type classifierRule struct {
	code     ErrorCode
	patterns []string
}

var defaultClassifier = NewErrorClassifier()

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{
		patterns: []classifierRule{
			{ErrCodeAuth, []string{
				"unauthorized", "forbidden", "access denied", "authentication failed",
				"invalid token", "token expired",
			}},
			{ErrCodeNetwork, []string{
				"connection refused", "connection reset", "no such host", "timeout",
				"no route to host", "host unreachable", "dial tcp", "i/o timeout",
				"eof", "broken pipe", "circuit breaker",
			}},
			{ErrCodeInvalidResponse, []string{
				"invalid character", "unexpected end of json", "cannot unmarshal",
			}},
			{ErrCodeTaskNotFound, []string{
				"task not found",
			}},
		},
	}
}

// Classify returns an APIError for err. Cancellation and deadline errors
// are network errors; anything unmatched is an API error.
func (ec *ErrorClassifier) Classify(err error) *APIError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapAPIError(ErrCodeNetwork, "", 0, err)
	}

	text := strings.ToLower(err.Error())
	for _, rule := range ec.patterns {
		for _, pattern := range rule.patterns {
			if strings.Contains(text, pattern) {
				return WrapAPIError(rule.code, "", 0, err)
			}
		}
	}
	return WrapAPIError(ErrCodeAPI, err.Error(), 0, err)
}

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrNoTrackedTask    = errors.New("no task is being tracked")
	ErrNotConfirmed     = errors.New("action not confirmed")
	ErrInvalidFileType  = errors.New("invalid file type")
	ErrFileSizeExceeded = errors.New("file size exceeded")
	ErrNotAuthenticated = errors.New("not authenticated")
)
