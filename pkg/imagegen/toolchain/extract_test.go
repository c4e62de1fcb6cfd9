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

package toolchain

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/testutil"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  string
	linkname string
	mode     int64
}

func writeTar(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.content != "" {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "builder.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract(t *testing.T) {
	archive := writeTar(t, []tarEntry{
		{name: "openwrt-imagebuilder-ath79/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "openwrt-imagebuilder-ath79/Makefile", typeflag: tar.TypeReg, content: "all:\n"},
		{name: "openwrt-imagebuilder-ath79/target/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "openwrt-imagebuilder-ath79/target/linux.mk", typeflag: tar.TypeReg, content: "x"},
		{name: "openwrt-imagebuilder-ath79/packages/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "openwrt-imagebuilder-ath79/scripts/alias", typeflag: tar.TypeSymlink, linkname: "../Makefile"},
	})
	dest := filepath.Join(t.TempDir(), "root")

	err := Extract(archive, dest)

	testutil.CheckError(t, false, err)
	// The wrapping directory is stripped.
	content, err := os.ReadFile(filepath.Join(dest, "Makefile"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "all:\n", string(content))

	target, err := os.Readlink(filepath.Join(dest, "scripts/alias"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "../Makefile", target)

	testutil.CheckError(t, false, ValidateRoot(dest))
}

func TestExtractRefusals(t *testing.T) {
	tests := []struct {
		description string
		entries     []tarEntry
		code        errors.Code
	}{
		{
			description: "path traversal",
			entries: []tarEntry{
				{name: "root/../../evil", typeflag: tar.TypeReg, content: "x"},
			},
			code: errors.Security,
		},
		{
			description: "symlink escaping the root",
			entries: []tarEntry{
				{name: "root/link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"},
			},
			code: errors.Security,
		},
		{
			description: "absolute symlink",
			entries: []tarEntry{
				{name: "root/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
			},
			code: errors.Security,
		},
		{
			description: "device node",
			entries: []tarEntry{
				{name: "root/dev", typeflag: tar.TypeChar},
			},
			code: errors.Security,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			archive := writeTar(t, test.entries)
			err := Extract(archive, filepath.Join(t.TempDir(), "out"))
			if !errors.IsCode(err, test.code) {
				t.Errorf("expected %s, got %v", test.code, err)
			}
		})
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	path := testutil.TempFile(t, "builder.rar", []byte("not an archive"))
	err := Extract(path, t.TempDir())
	if !errors.IsCode(err, errors.Validation) {
		t.Errorf("expected validation, got %v", err)
	}
}

func TestValidateRoot(t *testing.T) {
	dir := t.TempDir()

	err := ValidateRoot(dir)
	if !errors.IsCode(err, errors.CacheConflict) {
		t.Errorf("empty dir: expected cache_conflict, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"target", "packages"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	testutil.CheckError(t, false, ValidateRoot(dir))
}
