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

package profile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// Parse decodes a profile document. YAML is the primary format, JSON the
// equivalent. Unknown keys are rejected so that two otherwise-identical
// profiles cannot silently diverge in cache key.
func Parse(data []byte, format string) (*Profile, error) {
	var p Profile

	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrap(err, errors.Validation, "parsing JSON profile")
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrap(err, errors.Validation, "parsing YAML profile")
		}
	default:
		return nil, errors.New(errors.Validation, "unsupported profile format %q", format)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile reads and decodes one profile file, inferring the format from
// the extension.
func ParseFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.NotFound, "reading profile file %s", path)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	return Parse(data, format)
}

// Export renders a profile in the requested format.
func Export(p *Profile, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(p, "", "  ")
	case "yaml", "yml", "":
		return yaml.Marshal(p)
	default:
		return nil, errors.New(errors.Validation, "unsupported profile format %q", format)
	}
}

// ImportResult is the outcome of importing one profile file.
type ImportResult struct {
	Path    string
	Profile *Profile
	Err     error
}

// ImportAll parses every profile document under the given paths. A path may
// be a file or a directory; directories are scanned non-recursively for
// .yaml, .yml and .json files. Failures are reported per file, not
// aggregated into one error.
func ImportAll(paths []string) []ImportResult {
	var results []ImportResult
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			results = append(results, ImportResult{Path: path, Err: errors.Wrap(err, errors.NotFound, "stat %s", path)})
			continue
		}
		if !info.IsDir() {
			p, err := ParseFile(path)
			results = append(results, ImportResult{Path: path, Profile: p, Err: err})
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			results = append(results, ImportResult{Path: path, Err: errors.Wrap(err, errors.NotFound, "reading directory %s", path)})
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch filepath.Ext(e.Name()) {
			case ".yaml", ".yml", ".json":
				full := filepath.Join(path, e.Name())
				p, err := ParseFile(full)
				results = append(results, ImportResult{Path: full, Profile: p, Err: err})
			}
		}
	}
	return results
}

// Snapshot returns the cache-key view of the profile: every recipe field,
// no timestamps or provenance. Sets are sorted; ordered lists keep their
// declaration order.
func (p *Profile) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"profile_id":      p.ID,
		"name":            p.Name,
		"device_id":       p.DeviceID,
		"release":         p.Release,
		"target":          p.Target,
		"subtarget":       p.Subtarget,
		"builder_profile": p.BuilderProfile,
	}
	if p.Description != "" {
		snap["description"] = p.Description
	}
	if len(p.Tags) > 0 {
		snap["tags"] = sortedCopy(p.Tags)
	}
	if len(p.Packages) > 0 {
		snap["packages"] = append([]string(nil), p.Packages...)
	}
	if len(p.PackagesRemove) > 0 {
		snap["packages_remove"] = append([]string(nil), p.PackagesRemove...)
	}
	if len(p.Files) > 0 {
		files := make([]interface{}, 0, len(p.Files))
		for _, f := range p.Files {
			entry := map[string]interface{}{
				"source":      f.Source,
				"destination": f.Destination,
			}
			if f.Mode != "" {
				entry["mode"] = f.Mode
			}
			if f.Owner != "" {
				entry["owner"] = f.Owner
			}
			files = append(files, entry)
		}
		snap["files"] = files
	}
	if p.OverlayDir != "" {
		snap["overlay_dir"] = p.OverlayDir
	}
	if p.Policies != nil {
		policies := map[string]interface{}{}
		if p.Policies.Filesystem != "" {
			policies["filesystem"] = p.Policies.Filesystem
		}
		if p.Policies.IncludeKernelSymbols != nil {
			policies["include_kernel_symbols"] = *p.Policies.IncludeKernelSymbols
		}
		if p.Policies.StripDebug != nil {
			policies["strip_debug"] = *p.Policies.StripDebug
		}
		if p.Policies.AutoResizeRootfs != nil {
			policies["auto_resize_rootfs"] = *p.Policies.AutoResizeRootfs
		}
		if p.Policies.AllowSnapshot != nil {
			policies["allow_snapshot"] = *p.Policies.AllowSnapshot
		}
		if len(policies) > 0 {
			snap["policies"] = policies
		}
	}
	if p.BinDir != "" {
		snap["bin_dir"] = p.BinDir
	}
	if p.ExtraImageName != "" {
		snap["extra_image_name"] = p.ExtraImageName
	}
	if len(p.DisabledServices) > 0 {
		snap["disabled_services"] = sortedCopy(p.DisabledServices)
	}
	if p.RootfsPartsize > 0 {
		snap["rootfs_partsize"] = p.RootfsPartsize
	}
	if p.AddLocalKey {
		snap["add_local_key"] = true
	}
	return snap
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
