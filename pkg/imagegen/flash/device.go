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

// Package flash writes image artifacts to whole block devices and verifies
// the written bytes by reading them back. Every guard errs on the side of
// refusing: partitions, mounted devices and the device backing the root
// filesystem are never written.
package flash

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// Device describes a validated flash target.
type Device struct {
	Path      string
	Name      string
	Size      int64
	Model     string
	Serial    string
	Removable bool
}

// partitionPattern matches device names that are partitions of a larger
// device. The sysfs check below is authoritative; the pattern catches
// devices sysfs cannot answer for.
var partitionPattern = regexp.MustCompile(`^(sd[a-z]+\d+|nvme\d+n\d+p\d+|mmcblk\d+p\d+|vd[a-z]+\d+|loop\d+p\d+)$`)

var sysBlockRoot = "/sys/class/block"

var procMounts = "/proc/mounts"

// Validate inspects path and refuses everything that is not a safe,
// whole, unmounted block device.
func Validate(path string) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.New(errors.NotFound, "device %q does not exist", path)
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return nil, errors.New(errors.Precondition, "%q is not a block device", path)
	}

	name := filepath.Base(path)
	if partitionPattern.MatchString(name) {
		return nil, errors.New(errors.Precondition, "%q looks like a partition; flash the whole device", path)
	}
	if _, err := os.Stat(filepath.Join(sysBlockRoot, name, "partition")); err == nil {
		return nil, errors.New(errors.Precondition, "%q is a partition of another device", path)
	}

	mounts, err := readMounts()
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if !strings.HasPrefix(m.source, path) {
			continue
		}
		if m.mountpoint == "/" || strings.HasPrefix(m.mountpoint, "/boot") || strings.HasPrefix(m.mountpoint, "/usr") {
			return nil, errors.New(errors.Security, "%q backs the running system (mounted at %s)", path, m.mountpoint)
		}
		return nil, errors.New(errors.Precondition, "%q is mounted at %s; unmount it first", path, m.mountpoint)
	}

	size, err := deviceSize(path)
	if err != nil {
		return nil, err
	}

	d := &Device{Path: path, Name: name, Size: size}
	d.Model = sysAttr(name, "device/model")
	d.Serial = sysAttr(name, "device/serial")
	d.Removable = sysAttr(name, "removable") == "1"
	return d, nil
}

type mountEntry struct {
	source     string
	mountpoint string
}

func readMounts() ([]mountEntry, error) {
	f, err := os.Open(procMounts)
	if err != nil {
		return nil, errors.Wrap(err, errors.Precondition, "reading mount table")
	}
	defer f.Close()

	var out []mountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		out = append(out, mountEntry{source: fields[0], mountpoint: unescapeMount(fields[1])})
	}
	return out, scanner.Err()
}

// unescapeMount undoes the octal escapes the kernel applies to mountpoint
// paths (a space becomes \040).
func unescapeMount(s string) string {
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(s)
}

func sysAttr(name, attr string) string {
	data, err := os.ReadFile(filepath.Join(sysBlockRoot, name, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
