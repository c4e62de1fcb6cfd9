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

//go:build linux

package flash

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// deviceSize asks the kernel for the device's capacity in bytes.
func deviceSize(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return 0, errors.New(errors.PermissionDenied, "opening %q requires elevated privileges", path)
		}
		return 0, errors.Wrap(err, errors.Precondition, "opening %q", path)
	}
	defer f.Close()

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, errors.Wrap(errno, errors.Precondition, "querying size of %q", path)
	}
	return int64(size), nil
}

// flushBufferCache drops the kernel's cached blocks for the device so a
// readback hits the medium, not the page cache.
func flushBufferCache(f *os.File) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKFLSBUF, 0); errno != 0 {
		return errors.Wrap(errno, errors.Precondition, "flushing buffer cache for %q", f.Name())
	}
	return nil
}

// openExclusive opens the device with O_EXCL, which the kernel refuses
// while any partition of the device is mounted.
func openExclusive(path string, readWrite bool) (*os.File, error) {
	flags := os.O_RDONLY
	if readWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags|unix.O_EXCL, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.New(errors.PermissionDenied, "opening %q requires elevated privileges", path)
		}
		return nil, errors.Wrap(err, errors.Precondition, "opening %q exclusively", path)
	}
	return f, nil
}
