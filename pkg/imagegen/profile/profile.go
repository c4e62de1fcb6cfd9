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

// Package profile defines the immutable per-device build recipe and its
// validation rules. Profiles are created by import or upsert and never
// mutated while a build is in flight; mutations produce a new stored
// version.
package profile

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

var modePattern = regexp.MustCompile(`^0?[0-7]{3,4}$`)

var supportedFilesystems = map[string]bool{"squashfs": true, "ext4": true}

// FileSpec is one file overlay: a host source copied to an absolute
// destination inside the image.
type FileSpec struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Mode        string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Owner       string `yaml:"owner,omitempty" json:"owner,omitempty"`
}

// Policies are build-shaping preferences.
type Policies struct {
	Filesystem           string `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	IncludeKernelSymbols *bool  `yaml:"include_kernel_symbols,omitempty" json:"include_kernel_symbols,omitempty"`
	StripDebug           *bool  `yaml:"strip_debug,omitempty" json:"strip_debug,omitempty"`
	AutoResizeRootfs     *bool  `yaml:"auto_resize_rootfs,omitempty" json:"auto_resize_rootfs,omitempty"`
	AllowSnapshot        *bool  `yaml:"allow_snapshot,omitempty" json:"allow_snapshot,omitempty"`
}

// BuildDefaults seed per-build options when the caller does not override
// them.
type BuildDefaults struct {
	RebuildIfCached *bool `yaml:"rebuild_if_cached,omitempty" json:"rebuild_if_cached,omitempty"`
	Initramfs       *bool `yaml:"initramfs,omitempty" json:"initramfs,omitempty"`
	KeepBuildDir    *bool `yaml:"keep_build_dir,omitempty" json:"keep_build_dir,omitempty"`
}

// Profile is the declarative recipe for one device's image.
type Profile struct {
	ID          string   `yaml:"profile_id" json:"profile_id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DeviceID    string   `yaml:"device_id" json:"device_id"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	Release        string `yaml:"release" json:"release"`
	Target         string `yaml:"target" json:"target"`
	Subtarget      string `yaml:"subtarget" json:"subtarget"`
	BuilderProfile string `yaml:"builder_profile" json:"builder_profile"`

	Packages       []string `yaml:"packages,omitempty" json:"packages,omitempty"`
	PackagesRemove []string `yaml:"packages_remove,omitempty" json:"packages_remove,omitempty"`

	Files      []FileSpec `yaml:"files,omitempty" json:"files,omitempty"`
	OverlayDir string     `yaml:"overlay_dir,omitempty" json:"overlay_dir,omitempty"`

	Policies      *Policies      `yaml:"policies,omitempty" json:"policies,omitempty"`
	BuildDefaults *BuildDefaults `yaml:"build_defaults,omitempty" json:"build_defaults,omitempty"`

	BinDir           string   `yaml:"bin_dir,omitempty" json:"bin_dir,omitempty"`
	ExtraImageName   string   `yaml:"extra_image_name,omitempty" json:"extra_image_name,omitempty"`
	DisabledServices []string `yaml:"disabled_services,omitempty" json:"disabled_services,omitempty"`
	RootfsPartsize   int      `yaml:"rootfs_partsize,omitempty" json:"rootfs_partsize,omitempty"`
	AddLocalKey      bool     `yaml:"add_local_key,omitempty" json:"add_local_key,omitempty"`

	Notes string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Key identifies the toolchain a profile builds against.
func (p *Profile) Key() (release, target, subtarget string) {
	return p.Release, p.Target, p.Subtarget
}

// Validate checks every declared schema, range and pattern rule. It returns
// a taxonomy error with code validation on the first violation.
func (p *Profile) Validate() error {
	if !idPattern.MatchString(p.ID) {
		return errors.New(errors.Validation, "profile_id %q must match %s", p.ID, idPattern.String())
	}
	if p.Name == "" {
		return errors.New(errors.Validation, "profile %q: name is required", p.ID)
	}
	if p.Release == "" || p.Target == "" || p.Subtarget == "" {
		return errors.New(errors.Validation, "profile %q: release, target and subtarget are required", p.ID)
	}
	if p.BuilderProfile == "" {
		return errors.New(errors.Validation, "profile %q: builder_profile is required", p.ID)
	}
	if p.Release == "snapshot" && (p.Policies == nil || p.Policies.AllowSnapshot == nil || !*p.Policies.AllowSnapshot) {
		return errors.New(errors.Validation, "profile %q: release=snapshot requires policies.allow_snapshot=true", p.ID)
	}

	for _, tag := range p.Tags {
		if strings.TrimSpace(tag) == "" {
			return errors.New(errors.Validation, "profile %q: tags must be non-empty", p.ID)
		}
	}
	if err := validateTokens(p.ID, "packages", p.Packages); err != nil {
		return err
	}
	if err := validateTokens(p.ID, "packages_remove", p.PackagesRemove); err != nil {
		return err
	}
	if err := validateTokens(p.ID, "disabled_services", p.DisabledServices); err != nil {
		return err
	}

	for i, f := range p.Files {
		if f.Source == "" {
			return errors.New(errors.Validation, "profile %q: files[%d]: source is required", p.ID, i)
		}
		if !strings.HasPrefix(f.Destination, "/") {
			return errors.New(errors.Validation, "profile %q: files[%d]: destination must start with '/'", p.ID, i)
		}
		if f.Mode != "" && !modePattern.MatchString(f.Mode) {
			return errors.New(errors.Validation, "profile %q: files[%d]: mode %q is not an octal string", p.ID, i, f.Mode)
		}
		if f.Owner != "" {
			if _, _, err := ParseOwner(f.Owner); err != nil {
				return err
			}
		}
	}

	if p.Policies != nil && p.Policies.Filesystem != "" && !supportedFilesystems[p.Policies.Filesystem] {
		return errors.New(errors.Validation, "profile %q: unsupported filesystem %q", p.ID, p.Policies.Filesystem)
	}
	if p.RootfsPartsize < 0 {
		return errors.New(errors.Validation, "profile %q: rootfs_partsize must be positive", p.ID)
	}
	return nil
}

func validateTokens(id, field string, items []string) error {
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			return errors.New(errors.Validation, "profile %q: %s entries must be non-empty", id, field)
		}
		if strings.ContainsAny(item, " \t\n") {
			return errors.New(errors.Validation, "profile %q: %s entry %q must not contain whitespace", id, field, item)
		}
	}
	return nil
}

// ParseMode parses an octal mode string such as "0644" or "755".
func ParseMode(mode string) (uint32, error) {
	n, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, errors.New(errors.Validation, "mode %q is not a valid octal string", mode)
	}
	return uint32(n), nil
}

// ParseOwner splits a "user:group" string.
func ParseOwner(owner string) (user, group string, err error) {
	parts := strings.Split(owner, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New(errors.Validation, "owner %q must be of the form user:group", owner)
	}
	return parts[0], parts[1], nil
}
