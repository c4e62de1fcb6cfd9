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

package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// CheckError checks that the error matches the expectation.
func CheckError(t *testing.T, shouldErr bool, err error) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
	}
}

// CheckDeepEqual checks that expected and actual are equal.
func CheckDeepEqual(t *testing.T, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		t.Errorf("%T differ (-got, +want): %s", expected, diff)
	}
}

// CheckErrorAndDeepEqual checks the error expectation and, when no error
// was expected, that expected and actual are equal.
func CheckErrorAndDeepEqual(t *testing.T, shouldErr bool, err error, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
		return
	}
	if shouldErr {
		return
	}
	CheckDeepEqual(t, expected, actual, opts...)
}

func checkErr(shouldErr bool, err error) error {
	if err == nil && shouldErr {
		return errExpected
	}
	if err != nil && !shouldErr {
		return unexpectedErr{err}
	}
	return nil
}

var errExpected = unexpectedErr{}

type unexpectedErr struct{ err error }

func (e unexpectedErr) Error() string {
	if e.err == nil {
		return "expected error, but returned none"
	}
	return "unexpected error: " + e.err.Error()
}

// EquateEmpty treats empty and nil slices and maps as equal.
func EquateEmpty() cmp.Option {
	return cmpopts.EquateEmpty()
}

// TempFile writes content to a new file under t's temp dir and returns its
// path.
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

// SetEnvs sets environment variables for the duration of the test.
func SetEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for key, value := range envs {
		t.Setenv(key, value)
	}
}
