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
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
)

// Extract unpacks an image-builder archive into dest. Upstream archives
// wrap everything in a single top-level directory, which is stripped so
// dest itself becomes the builder root. Entries that would escape dest,
// whether by path traversal or by symlink target, abort the extraction.
func Extract(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, errors.NotFound, "opening archive %s", archivePath)
	}
	defer f.Close()

	var r io.Reader
	switch {
	case strings.HasSuffix(archivePath, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return errors.Wrap(err, errors.DownloadFailed, "reading xz stream")
		}
		r = xr
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return errors.Wrap(err, errors.DownloadFailed, "reading zstd stream")
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrap(err, errors.DownloadFailed, "reading gzip stream")
		}
		defer gr.Close()
		r = gr
	case strings.HasSuffix(archivePath, ".tar"):
		r = f
	default:
		return errors.New(errors.Validation, "unsupported archive format %q", filepath.Base(archivePath))
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.Wrap(err, errors.Precondition, "creating %s", dest)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.DownloadFailed, "reading archive")
		}
		if err := extractEntry(dest, hdr, tr); err != nil {
			return err
		}
	}
}

func extractEntry(dest string, hdr *tar.Header, r io.Reader) error {
	rel, ok := stripRoot(hdr.Name)
	if !ok {
		return nil
	}
	if err := checkEntryPath(hdr.Name, rel); err != nil {
		return err
	}
	path := filepath.Join(dest, filepath.FromSlash(rel))

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(path, os.FileMode(hdr.Mode)&os.ModePerm)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return errors.Wrap(err, errors.DownloadFailed, "extracting %s", rel)
		}
		return out.Close()

	case tar.TypeSymlink:
		target := hdr.Linkname
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		if !util.IsSubPath(dest, filepath.Clean(resolved)) {
			return errors.New(errors.Security, "archive symlink %q escapes the extraction root (target %q)", hdr.Name, target)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		os.Remove(path)
		return os.Symlink(target, path)

	case tar.TypeLink:
		linkRel, ok := stripRoot(hdr.Linkname)
		if !ok {
			return errors.New(errors.Security, "archive hardlink %q targets outside the archive", hdr.Name)
		}
		if err := checkEntryPath(hdr.Linkname, linkRel); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		os.Remove(path)
		return os.Link(filepath.Join(dest, filepath.FromSlash(linkRel)), path)

	default:
		// Character devices and the like have no business in a builder
		// archive.
		return errors.New(errors.Security, "archive entry %q has unsupported type %d", hdr.Name, hdr.Typeflag)
	}
}

// stripRoot drops the archive's single top-level directory. The root entry
// itself maps to nothing.
func stripRoot(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimSuffix(name, "/")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", false
	}
	rel := name[i+1:]
	if rel == "" {
		return "", false
	}
	return rel, true
}

func checkEntryPath(name, rel string) error {
	if strings.HasPrefix(rel, "/") || rel == ".." || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") {
		return errors.New(errors.Security, "archive entry %q escapes the extraction root", name)
	}
	return nil
}
