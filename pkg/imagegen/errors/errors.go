/*
Copyright 2024 The Imagegen Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the closed error taxonomy shared by the core
// engines and persisted in build and flash records. Every failure that
// crosses a component boundary carries exactly one Code.
package errors

import (
	goerrors "errors"
	"fmt"
)

// Code identifies one failure class. Codes are part of the public surface
// and must stay stable across versions.
type Code string

const (
	Validation        = Code("validation")
	NotFound          = Code("not_found")
	Precondition      = Code("precondition")
	CacheConflict     = Code("cache_conflict")
	DownloadFailed    = Code("download_failed")
	BuildFailed       = Code("build_failed")
	BuildTimeout      = Code("build_timeout")
	Cancelled         = Code("cancelled")
	FlashHashMismatch = Code("flash_hash_mismatch")
	PermissionDenied  = Code("permission_denied")
	Security          = Code("security")
)

// Error is the structured error shape returned by the core and recorded in
// the state store. LogPath points at the full operation log when one exists.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	LogPath string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an Error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error with the given code and cause.
func Wrap(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches one detail key to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// WithLogPath records the operation log location on the error.
func (e *Error) WithLogPath(path string) *Error {
	e.LogPath = path
	return e
}

// GetCode extracts the taxonomy code from err, unwrapping as needed.
// Unclassified errors report the empty code.
func GetCode(err error) Code {
	var se *Error
	if goerrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}
