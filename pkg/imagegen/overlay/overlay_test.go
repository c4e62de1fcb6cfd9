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

package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/testutil"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStage(t *testing.T) {
	overlayDir := t.TempDir()
	writeTree(t, overlayDir, map[string]string{
		"etc/config/system":  "config system\n",
		"etc/rc.local":       "exit 0\n",
		"usr/share/motd.txt": "hello\n",
	})
	keyFile := testutil.TempFile(t, "authorized_keys", []byte("ssh-ed25519 AAAA...\n"))
	rcFile := testutil.TempFile(t, "rc.local", []byte("reboot\n"))

	p := &profile.Profile{
		OverlayDir: overlayDir,
		Files: []profile.FileSpec{
			{Source: keyFile, Destination: "/etc/dropbear/authorized_keys", Mode: "0600"},
			// Overwrites the overlay directory's copy.
			{Source: rcFile, Destination: "/etc/rc.local"},
		},
	}

	staged, err := Stage(context.Background(), p, filepath.Join(t.TempDir(), "files"))
	testutil.CheckError(t, false, err)

	if staged.FileCount != 4 {
		t.Errorf("expected 4 staged files, got %d", staged.FileCount)
	}

	content, err := os.ReadFile(filepath.Join(staged.Dir, "etc/rc.local"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "reboot\n", string(content))

	info, err := os.Stat(filepath.Join(staged.Dir, "etc/dropbear/authorized_keys"))
	testutil.CheckError(t, false, err)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

func TestStageDestinationEscape(t *testing.T) {
	src := testutil.TempFile(t, "evil", []byte("x"))
	p := &profile.Profile{
		Files: []profile.FileSpec{{Source: src, Destination: "/../../etc/passwd"}},
	}

	// Clean() collapses the traversal back inside the root, so this stages
	// to etc/passwd under the staging dir rather than erroring.
	staged, err := Stage(context.Background(), p, filepath.Join(t.TempDir(), "files"))
	testutil.CheckError(t, false, err)
	if _, err := os.Stat(filepath.Join(staged.Dir, "etc/passwd")); err != nil {
		t.Error("destination was not re-rooted under the staging dir")
	}
}

func TestStageSymlinkEscape(t *testing.T) {
	overlayDir := t.TempDir()
	if err := os.Symlink("/etc/shadow", filepath.Join(overlayDir, "shadow")); err != nil {
		t.Fatal(err)
	}

	p := &profile.Profile{OverlayDir: overlayDir}
	_, err := Stage(context.Background(), p, filepath.Join(t.TempDir(), "files"))

	testutil.CheckError(t, true, err)
	if !errors.IsCode(err, errors.Security) {
		t.Errorf("expected security error, got %v", err)
	}
}

func TestStageInternalSymlinkAllowed(t *testing.T) {
	overlayDir := t.TempDir()
	writeTree(t, overlayDir, map[string]string{"etc/real.conf": "x\n"})
	if err := os.Symlink("real.conf", filepath.Join(overlayDir, "etc/alias.conf")); err != nil {
		t.Fatal(err)
	}

	p := &profile.Profile{OverlayDir: overlayDir}
	staged, err := Stage(context.Background(), p, filepath.Join(t.TempDir(), "files"))

	testutil.CheckError(t, false, err)
	target, err := os.Readlink(filepath.Join(staged.Dir, "etc/alias.conf"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "real.conf", target)
}

func TestTreeHash(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	files := map[string]string{
		"etc/config/network": "config interface\n",
		"etc/hostname":       "router\n",
	}
	writeTree(t, dirA, files)
	writeTree(t, dirB, files)

	hashA, countA, err := TreeHash(dirA)
	testutil.CheckError(t, false, err)
	hashB, _, err := TreeHash(dirB)
	testutil.CheckError(t, false, err)

	if hashA != hashB {
		t.Error("identical trees must hash identically")
	}
	testutil.CheckDeepEqual(t, 2, countA)

	// Content change.
	if err := os.WriteFile(filepath.Join(dirB, "etc/hostname"), []byte("gateway\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hashC, _, err := TreeHash(dirB)
	testutil.CheckError(t, false, err)
	if hashA == hashC {
		t.Error("content change must change the tree hash")
	}

	// Mode change only.
	if err := os.WriteFile(filepath.Join(dirB, "etc/hostname"), []byte("router\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dirB, "etc/hostname"), 0o600); err != nil {
		t.Fatal(err)
	}
	hashD, _, err := TreeHash(dirB)
	testutil.CheckError(t, false, err)
	if hashA == hashD {
		t.Error("mode change must change the tree hash")
	}
}

func TestStageMissingOverlayDir(t *testing.T) {
	p := &profile.Profile{OverlayDir: filepath.Join(t.TempDir(), "nope")}
	_, err := Stage(context.Background(), p, filepath.Join(t.TempDir(), "files"))
	testutil.CheckError(t, true, err)
	if !errors.IsCode(err, errors.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}
