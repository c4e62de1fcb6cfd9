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
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/canonical"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
)

// Options are the per-build knobs layered on top of a profile. Zero values
// fall back to the profile's build_defaults.
type Options struct {
	// ForceRebuild skips the cache lookup. It never enters the cache key:
	// forcing a rebuild of identical inputs must yield the same key.
	ForceRebuild bool

	// Initramfs asks the builder for an initramfs image in addition to the
	// disk images.
	Initramfs bool

	// KeepBuildDir leaves the working directory in place after the build,
	// succeed or fail.
	KeepBuildDir bool

	// ExtraPackages are appended to the profile's package list for this
	// build only.
	ExtraPackages []string

	// ExtraPackagesRemove are excluded from the image for this build only,
	// composed as '-'-prefixed tokens after the additive list.
	ExtraPackagesRemove []string

	// ExtraImageName overrides the profile's image-name suffix.
	ExtraImageName string

	// BinDir overrides where this build's artifacts are placed.
	BinDir string
}

// ApplyDefaults fills unset options from the profile's build_defaults.
func (o Options) ApplyDefaults(p *profile.Profile) Options {
	d := p.BuildDefaults
	if d == nil {
		return o
	}
	if !o.ForceRebuild && d.RebuildIfCached != nil {
		o.ForceRebuild = *d.RebuildIfCached
	}
	if !o.Initramfs && d.Initramfs != nil {
		o.Initramfs = *d.Initramfs
	}
	if !o.KeepBuildDir && d.KeepBuildDir != nil {
		o.KeepBuildDir = *d.KeepBuildDir
	}
	return o
}

// EffectivePackages merges the profile's declared packages with the
// per-build extras, deduplicating on first occurrence while preserving
// declaration order. Removals come last, prefixed with '-', which is how
// the builder spells package exclusion.
func EffectivePackages(p *profile.Profile, extra, extraRemove []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, pkg := range p.Packages {
		if !seen[pkg] {
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	for _, pkg := range extra {
		if !seen[pkg] {
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	for _, pkg := range append(append([]string{}, p.PackagesRemove...), extraRemove...) {
		neg := "-" + strings.TrimPrefix(pkg, "-")
		if !seen[neg] {
			seen[neg] = true
			out = append(out, neg)
		}
	}
	return out
}

// Snapshot assembles the full cache-key view of one build: the profile
// recipe, the toolchain identity, the staged overlay fingerprint and the
// key-relevant build options.
func Snapshot(p *profile.Profile, tc *store.Toolchain, overlayHash string, opts Options) map[string]interface{} {
	snap := map[string]interface{}{
		"profile": p.Snapshot(),
		"toolchain": map[string]interface{}{
			"release":        tc.Release,
			"target":         tc.Target,
			"subtarget":      tc.Subtarget,
			"archive_sha256": tc.ArchiveSHA256,
		},
		"effective_packages": EffectivePackages(p, opts.ExtraPackages, opts.ExtraPackagesRemove),
	}
	if overlayHash != "" {
		snap["overlay_tree_hash"] = overlayHash
	}
	if opts.Initramfs {
		snap["initramfs"] = true
	}
	if opts.ExtraImageName != "" {
		snap["extra_image_name"] = opts.ExtraImageName
	}
	if opts.BinDir != "" {
		snap["bin_dir"] = opts.BinDir
	}
	return snap
}

// CacheKey returns the canonical bytes of a build snapshot and their hex
// SHA-256 digest.
func CacheKey(snap map[string]interface{}) (key string, canonicalBytes []byte, err error) {
	b, err := canonical.Marshal(snap)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}
