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

package errors

import (
	goerrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/openwrt-tools/imagegen/testutil"
)

func TestGetCode(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    Code
	}{
		{description: "nil error", err: nil, expected: ""},
		{description: "plain error", err: io.EOF, expected: ""},
		{description: "direct", err: New(Validation, "bad input"), expected: Validation},
		{description: "wrapping a cause", err: Wrap(io.EOF, DownloadFailed, "short read"), expected: DownloadFailed},
		{description: "wrapped by fmt", err: fmt.Errorf("context: %w", New(NotFound, "no such profile")), expected: NotFound},
		{
			description: "outermost code wins",
			err:         Wrap(New(Validation, "inner"), BuildFailed, "outer"),
			expected:    BuildFailed,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			testutil.CheckDeepEqual(t, test.expected, GetCode(test.err))
		})
	}
}

func TestIsCode(t *testing.T) {
	err := New(Precondition, "device is mounted")

	testutil.CheckDeepEqual(t, true, IsCode(err, Precondition))
	testutil.CheckDeepEqual(t, false, IsCode(err, Security))
	testutil.CheckDeepEqual(t, false, IsCode(nil, Precondition))
	testutil.CheckDeepEqual(t, false, IsCode(io.EOF, Precondition))
}

func TestErrorString(t *testing.T) {
	testutil.CheckDeepEqual(t,
		"validation: bad mode",
		New(Validation, "bad %s", "mode").Error())
	testutil.CheckDeepEqual(t,
		"download_failed: fetching checksums: EOF",
		Wrap(io.EOF, DownloadFailed, "fetching checksums").Error())
}

func TestUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap(cause, DownloadFailed, "stream truncated")

	if !goerrors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause lost in wrapping")
	}
}

func TestWithDetail(t *testing.T) {
	err := New(BuildFailed, "make exited").
		WithDetail("exit_code", 2).
		WithDetail("tail", "recipe for target 'image' failed")

	testutil.CheckDeepEqual(t, 2, err.Details["exit_code"])
	testutil.CheckDeepEqual(t, "recipe for target 'image' failed", err.Details["tail"])
}

func TestWithLogPath(t *testing.T) {
	err := New(BuildTimeout, "deadline exceeded").WithLogPath("/tmp/build.log")

	var se *Error
	if !goerrors.As(err.WithDetail("k", "v"), &se) {
		t.Fatal("errors.As failed")
	}
	testutil.CheckDeepEqual(t, "/tmp/build.log", se.LogPath)
}
