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

package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/walk"
)

// Artifact kinds, classified from upstream output filenames.
const (
	KindSysupgrade = "sysupgrade"
	KindFactory    = "factory"
	KindInitramfs  = "initramfs"
	KindKernel     = "kernel"
	KindRootfs     = "rootfs"
	KindManifest   = "manifest"
	KindChecksums  = "checksums"
	KindOther      = "other"
)

// ManifestName is the summary file written next to the artifacts.
const ManifestName = "manifest.json"

// classify maps an output filename to an artifact kind. Order matters:
// initramfs images also contain "kernel" on some targets.
func classify(name string) string {
	lower := strings.ToLower(name)
	switch {
	case lower == "sha256sums":
		return KindChecksums
	case strings.HasSuffix(lower, ".manifest"):
		return KindManifest
	case strings.Contains(lower, "initramfs"):
		return KindInitramfs
	case strings.Contains(lower, "sysupgrade"):
		return KindSysupgrade
	case strings.Contains(lower, "factory"):
		return KindFactory
	case strings.Contains(lower, "kernel"), strings.Contains(lower, "zimage"), strings.Contains(lower, "uimage"):
		return KindKernel
	case strings.Contains(lower, "rootfs"):
		return KindRootfs
	default:
		return KindOther
	}
}

// discoverArtifacts walks the builder's output directory and returns one
// record per regular file, content-hashed and classified by kind.
func discoverArtifacts(buildID uint64, binDir string) ([]store.Artifact, error) {
	var out []store.Artifact
	err := walk.From(binDir).WhenIsFile().Do(func(path string, _ walk.Dirent) error {
		rel, err := filepath.Rel(binDir, path)
		if err != nil {
			return err
		}
		if filepath.Base(rel) == ManifestName {
			return nil
		}
		sum, size, err := util.SHA256File(path)
		if err != nil {
			return err
		}
		out = append(out, store.Artifact{
			BuildID:   buildID,
			Kind:      classify(filepath.Base(rel)),
			Filename:  filepath.Base(rel),
			RelPath:   filepath.ToSlash(rel),
			SizeBytes: size,
			SHA256:    sum,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.BuildFailed, "scanning build outputs")
	}
	if len(out) == 0 {
		return nil, errors.New(errors.BuildFailed, "builder produced no output files in %s", binDir)
	}
	return out, nil
}

// manifest is the on-disk summary of one build's outputs.
type manifest struct {
	BuildID  uint64          `json:"build_id"`
	CacheKey string          `json:"cache_key"`
	Files    []manifestEntry `json:"files"`
}

type manifestEntry struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Size   int64  `json:"size_bytes"`
	SHA256 string `json:"sha256"`
}

// writeManifest records the artifact list next to the artifacts themselves
// so a bare directory is self-describing without the state store.
func writeManifest(binDir, cacheKey string, artifacts []store.Artifact) error {
	m := manifest{CacheKey: cacheKey}
	for _, a := range artifacts {
		m.BuildID = a.BuildID
		m.Files = append(m.Files, manifestEntry{
			Path:   a.RelPath,
			Kind:   a.Kind,
			Size:   a.SizeBytes,
			SHA256: a.SHA256,
		})
	}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(binDir, ManifestName), append(data, '\n'), 0o644)
}

// verifyArtifacts checks that every recorded artifact still exists on disk
// with the recorded size. A disagreement means the store and the artifact
// tree have drifted apart.
func verifyArtifacts(binDir string, artifacts []store.Artifact) error {
	for _, a := range artifacts {
		info, err := os.Stat(filepath.Join(binDir, filepath.FromSlash(a.RelPath)))
		if err != nil {
			return errors.New(errors.CacheConflict, "recorded artifact %q is missing from %s", a.RelPath, binDir)
		}
		if info.Size() != a.SizeBytes {
			return errors.New(errors.CacheConflict, "recorded artifact %q changed size on disk", a.RelPath)
		}
	}
	return nil
}
