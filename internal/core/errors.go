package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrBadRequest           ErrorCode = "CRAWLHUB_BAD_REQUEST"
	ErrNotFound             ErrorCode = "CRAWLHUB_NOT_FOUND"
	ErrProvisioning         ErrorCode = "CRAWLHUB_PROVISIONING_ERROR"
	ErrProviderTimeout      ErrorCode = "CRAWLHUB_PROVIDER_TIMEOUT"
	ErrProvider             ErrorCode = "CRAWLHUB_PROVIDER_ERROR"
	ErrInvalidTransition    ErrorCode = "CRAWLHUB_INVALID_TRANSITION"
	ErrDeployment           ErrorCode = "CRAWLHUB_DEPLOYMENT_ERROR"
	ErrCannotDeleteActive   ErrorCode = "CRAWLHUB_CANNOT_DELETE_ACTIVE"
	ErrWorkspaceUnavailable ErrorCode = "CRAWLHUB_WORKSPACE_UNAVAILABLE"
	ErrInternal             ErrorCode = "CRAWLHUB_INTERNAL"
)

// HTTPStatus returns the HTTP status code for this error code.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrBadRequest:
		return 400
	case ErrNotFound:
		return 404
	case ErrInvalidTransition, ErrCannotDeleteActive:
		return 409
	case ErrWorkspaceUnavailable:
		return 412
	case ErrProvisioning, ErrProvider, ErrDeployment:
		return 502
	case ErrProviderTimeout:
		return 504
	default:
		return 500
	}
}

// Error implements error so a bare code can be used as an errors.Is target:
//
//	errors.Is(err, core.ErrInvalidTransition)
func (e ErrorCode) Error() string { return string(e) }

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Is matches another *AppError or a bare ErrorCode by code.
func (e *AppError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *AppError:
		return e.Code == t.Code
	}
	return false
}

func NewAppError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// WrapAppError attaches cause to a new AppError; cause stays reachable via errors.Is/As.
func WrapAppError(code ErrorCode, msg string, cause error) *AppError {
	return &AppError{Code: code, Message: msg, cause: cause}
}

// AsAppError extracts the outermost AppError from err, or wraps err as ErrInternal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return WrapAppError(ErrInternal, "internal error", err)
}

// CodeOf returns the error code carried by err, or ErrInternal.
func CodeOf(err error) ErrorCode {
	return AsAppError(err).Code
}
