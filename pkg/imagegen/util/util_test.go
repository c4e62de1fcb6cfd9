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

package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-tools/imagegen/testutil"
)

func TestSHA256File(t *testing.T) {
	path := testutil.TempFile(t, "data", []byte("hello"))

	sum, size, err := SHA256File(path)

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, int64(5), size)
	testutil.CheckDeepEqual(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	_, _, err = SHA256File(filepath.Join(t.TempDir(), "missing"))
	testutil.CheckError(t, true, err)
}

func TestSHA256Reader(t *testing.T) {
	full, n, err := SHA256Reader(bytes.NewReader([]byte("hello")), -1)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, int64(5), n)
	testutil.CheckDeepEqual(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", full)

	limited, n, err := SHA256Reader(bytes.NewReader([]byte("hello")), 2)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, int64(2), n)
	if limited == full {
		t.Error("limited digest must differ from the full digest")
	}
}

func TestIsSubPath(t *testing.T) {
	tests := []struct {
		description string
		parent      string
		child       string
		expected    bool
	}{
		{description: "direct child", parent: "/a/b", child: "/a/b/c", expected: true},
		{description: "same path", parent: "/a/b", child: "/a/b", expected: true},
		{description: "parent of parent", parent: "/a/b", child: "/a", expected: false},
		{description: "sibling", parent: "/a/b", child: "/a/bc", expected: false},
		{description: "escape through dotdot", parent: "/a/b", child: "/a/b/../c", expected: false},
		{description: "deep child", parent: "/a", child: "/a/b/c/d", expected: true},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			testutil.CheckDeepEqual(t, test.expected, IsSubPath(test.parent, test.child))
		})
	}
}

func TestVerifyOrCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "file")

	testutil.CheckError(t, false, VerifyOrCreateFile(path))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file was not created: %v", err)
	}

	// Idempotent.
	testutil.CheckError(t, false, VerifyOrCreateFile(path))
}
