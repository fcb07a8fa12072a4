package core

import (
	"errors"
)

// CodedError is implemented by domain errors that carry a machine-readable code.
type CodedError interface {
	error
	ErrorCode() string
}

type ErrorInfo struct {
	Code       string
	Message    string
	HTTPStatus int
}

// MapError classifies an error into a wire code and HTTP status. Errors that
// do not implement CodedError fall through to internal_error.
func MapError(err error, fallbackStatus int) ErrorInfo {
	if err == nil {
		return ErrorInfo{Code: "internal_error", Message: "internal server error", HTTPStatus: fallbackStatus}
	}

	msg := err.Error()

	var coded CodedError
	if errors.As(err, &coded) {
		code := coded.ErrorCode()
		switch code {
		case CodeUnknownTool:
			return ErrorInfo{Code: code, Message: msg, HTTPStatus: 404}
		case CodeInvalidParameters:
			return ErrorInfo{Code: code, Message: msg, HTTPStatus: 400}
		case CodeResourceUnavailable:
			return ErrorInfo{Code: code, Message: msg, HTTPStatus: 503}
		case CodeTimeout:
			return ErrorInfo{Code: code, Message: msg, HTTPStatus: 504}
		case CodeExecutionFailed:
			return ErrorInfo{Code: code, Message: msg, HTTPStatus: 502}
		}
	}

	code := "internal_error"
	if fallbackStatus >= 400 && fallbackStatus < 500 {
		code = "bad_request"
	}
	return ErrorInfo{Code: code, Message: msg, HTTPStatus: fallbackStatus}
}
