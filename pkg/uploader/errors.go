// Copyright 2025 RomVault Authors
// SPDX-License-Identifier: Apache-2.0

package uploader

// Error codes for upload operations
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeValidation
	ErrCodeBackend
	ErrCodeInvalidPartSequence
	ErrCodeAbortFailed
)

// Error represents an upload client error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(msg string) *Error {
	return &Error{Code: ErrCodeValidation, Message: msg}
}

func backendError(msg string, err error) *Error {
	return &Error{Code: ErrCodeBackend, Message: msg, Err: err}
}

// Code extracts the ErrorCode from an error, returning ErrCodeNone for
// nil and ErrCodeBackend for errors that are not *Error.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrCodeNone
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrCodeBackend
}
