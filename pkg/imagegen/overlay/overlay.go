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

// Package overlay materializes a profile's file overlays into a staging
// directory that is handed to the image builder as its FILES tree, and
// fingerprints the staged result so the build cache key reflects overlay
// content, not just the recipe.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	cp "github.com/otiai10/copy"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/output/log"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/walk"
)

// Staged describes a materialized overlay tree.
type Staged struct {
	// Dir is the staging root handed to the builder.
	Dir string

	// TreeHash is the hex SHA-256 fingerprint of the staged content.
	TreeHash string

	// FileCount is the number of regular files staged.
	FileCount int
}

// Stage builds the overlay tree for p under dir. The overlay directory is
// copied first, then per-file overlays are applied in declaration order, so
// a later file spec overwrites an earlier one and any file from the overlay
// directory.
func Stage(ctx context.Context, p *profile.Profile, dir string) (*Staged, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.Precondition, "creating staging directory")
	}

	if p.OverlayDir != "" {
		src, err := filepath.Abs(p.OverlayDir)
		if err != nil {
			return nil, errors.Wrap(err, errors.Validation, "resolving overlay_dir")
		}
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			return nil, errors.New(errors.NotFound, "overlay_dir %q is not a directory", p.OverlayDir)
		}
		if err := checkSymlinks(src); err != nil {
			return nil, err
		}
		opts := cp.Options{
			OnSymlink: func(string) cp.SymlinkAction { return cp.Shallow },
		}
		if err := cp.Copy(src, dir, opts); err != nil {
			return nil, errors.Wrap(err, errors.Precondition, "copying overlay directory")
		}
		log.Entry(ctx).Debugf("copied overlay directory %s", src)
	}

	for i, f := range p.Files {
		if err := applyFile(ctx, dir, f); err != nil {
			return nil, errors.Wrap(err, errors.GetCode(err), "files[%d]", i)
		}
	}

	hash, count, err := TreeHash(dir)
	if err != nil {
		return nil, err
	}
	return &Staged{Dir: dir, TreeHash: hash, FileCount: count}, nil
}

// checkSymlinks refuses overlay sources containing symlinks that point
// outside the overlay root. Such links would dereference host paths inside
// the built image.
func checkSymlinks(root string) error {
	return walk.From(root).Do(func(path string, _ walk.Dirent) error {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		if !util.IsSubPath(root, filepath.Clean(resolved)) {
			return errors.New(errors.Security, "symlink %q escapes the overlay root (target %q)", path, target)
		}
		return nil
	})
}

func applyFile(ctx context.Context, root string, f profile.FileSpec) error {
	// Destination is absolute within the image; re-root it under the
	// staging directory and refuse traversal out of it.
	dst := filepath.Join(root, filepath.Clean(f.Destination))
	if !util.IsSubPath(root, dst) {
		return errors.New(errors.Security, "destination %q escapes the staging root", f.Destination)
	}

	src, err := os.Open(f.Source)
	if err != nil {
		return errors.Wrap(err, errors.NotFound, "opening source %s", f.Source)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, errors.Precondition, "creating destination directory")
	}

	mode := os.FileMode(0o644)
	if f.Mode != "" {
		bits, err := profile.ParseMode(f.Mode)
		if err != nil {
			return err
		}
		mode = os.FileMode(bits)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, errors.Precondition, "creating %s", dst)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Wrap(err, errors.Precondition, "copying to %s", dst)
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, errors.Precondition, "closing %s", dst)
	}
	// An existing file keeps its old mode on O_CREATE, so set it again.
	if err := os.Chmod(dst, mode); err != nil {
		return errors.Wrap(err, errors.Precondition, "setting mode on %s", dst)
	}

	if f.Owner != "" {
		if err := applyOwner(ctx, dst, f.Owner); err != nil {
			return err
		}
	}
	return nil
}

// applyOwner sets user:group on the staged file. Without privileges the
// chown fails with EPERM; that is tolerated because the image builder
// normalizes ownership when packing the filesystem.
func applyOwner(ctx context.Context, path, owner string) error {
	user, group, err := profile.ParseOwner(owner)
	if err != nil {
		return err
	}
	uid, gid, err := lookupOwner(user, group)
	if err != nil {
		return err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		if os.IsPermission(err) {
			log.Entry(ctx).Debugf("not privileged to chown %s to %s", path, owner)
			return nil
		}
		return errors.Wrap(err, errors.Precondition, "setting owner on %s", path)
	}
	return nil
}

// lookupOwner resolves user and group names to numeric ids. Numeric
// strings are taken as ids directly.
func lookupOwner(userName, groupName string) (int, int, error) {
	uid, err := strconv.Atoi(userName)
	if err != nil {
		u, err := user.Lookup(userName)
		if err != nil {
			return 0, 0, errors.New(errors.Validation, "unknown user %q", userName)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	gid, err := strconv.Atoi(groupName)
	if err != nil {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, errors.New(errors.Validation, "unknown group %q", groupName)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

// TreeHash walks dir in lexical order and hashes one record per entry:
// relative path, type, mode bits, and content digest for regular files or
// the textual target for symlinks. Two trees with identical content hash
// identically regardless of staging order or timestamps.
func TreeHash(dir string) (string, int, error) {
	h := sha256.New()
	count := 0

	err := walk.From(dir).Do(func(path string, _ walk.Dirent) error {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00symlink\x00%s\n", rel, target)
		case info.IsDir():
			fmt.Fprintf(h, "%s\x00dir\x00%s\n", rel, strconv.FormatUint(uint64(info.Mode().Perm()), 8))
		default:
			sum, size, err := util.SHA256File(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00file\x00%s\x00%d\x00%s\n", rel, strconv.FormatUint(uint64(info.Mode().Perm()), 8), size, sum)
			count++
		}
		return nil
	})
	if err != nil {
		return "", 0, errors.Wrap(err, errors.Precondition, "hashing staged overlay")
	}
	return hex.EncodeToString(h.Sum(nil)), count, nil
}
