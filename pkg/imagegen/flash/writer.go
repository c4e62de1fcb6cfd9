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

package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// minWipeBytes is the floor on the zeroed prefix. Partition tables,
// bootloaders and filesystem superblocks of common layouts all fall inside
// the first 8 MiB.
const minWipeBytes = int64(8 * 1024 * 1024)

// minChunkSize keeps device writes large enough to stream at full speed.
const minChunkSize = 4 * 1024 * 1024

// VerifyFull asks for a readback of every written byte.
const VerifyFull = "full"

const verifyPrefixPrefix = "prefix-"

// parseVerifyMode returns the readback limit in bytes, or -1 for a full
// verification.
func parseVerifyMode(mode string) (int64, error) {
	switch {
	case mode == "" || mode == VerifyFull:
		return -1, nil
	case strings.HasPrefix(mode, verifyPrefixPrefix):
		n, err := humanize.ParseBytes(strings.TrimPrefix(mode, verifyPrefixPrefix))
		if err != nil || n == 0 {
			return 0, errors.New(errors.Validation, "invalid verify mode %q", mode)
		}
		return int64(n), nil
	default:
		return 0, errors.New(errors.Validation, "invalid verify mode %q: want %q or %q<size>", mode, VerifyFull, verifyPrefixPrefix)
	}
}

func chunkSize(configured int) int {
	if configured < minChunkSize {
		return minChunkSize
	}
	return configured
}

// wipe zeroes the leading bytes of the device so stale boot signatures
// cannot survive a shorter image.
func wipe(ctx context.Context, dev *os.File, devSize, wipeBytes int64, chunk int) (int64, error) {
	if wipeBytes < minWipeBytes {
		wipeBytes = minWipeBytes
	}
	if wipeBytes > devSize {
		wipeBytes = devSize
	}

	zeros := make([]byte, chunk)
	var written int64
	for written < wipeBytes {
		if err := ctx.Err(); err != nil {
			return written, errors.Wrap(err, errors.Cancelled, "wipe interrupted")
		}
		n := int64(len(zeros))
		if wipeBytes-written < n {
			n = wipeBytes - written
		}
		if _, err := dev.Write(zeros[:n]); err != nil {
			return written, errors.Wrap(err, errors.Precondition, "zeroing device prefix")
		}
		written += n
	}
	if err := dev.Sync(); err != nil {
		return written, errors.Wrap(err, errors.Precondition, "syncing after wipe")
	}
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return written, errors.Wrap(err, errors.Precondition, "rewinding device")
	}
	return written, nil
}

// writeImage streams the image onto the device in chunks, syncing after
// each chunk so progress is durable and cancellation loses at most one
// chunk. It returns the bytes written and the source digest computed from
// the very bytes that were sent to the device.
func writeImage(ctx context.Context, dev *os.File, imagePath string, chunk int) (int64, string, error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return 0, "", errors.Wrap(err, errors.NotFound, "opening image %s", imagePath)
	}
	defer src.Close()

	h := sha256.New()
	buf := make([]byte, chunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, "", errors.Wrap(err, errors.Cancelled, "flash interrupted after %s", humanize.IBytes(uint64(written)))
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := dev.Write(buf[:n]); werr != nil {
				return written, "", errors.Wrap(werr, errors.Precondition, "writing to device at offset %d", written)
			}
			if werr := dev.Sync(); werr != nil {
				return written, "", errors.Wrap(werr, errors.Precondition, "syncing device at offset %d", written)
			}
			written += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, "", errors.Wrap(rerr, errors.Precondition, "reading image %s", imagePath)
		}
	}
	return written, hex.EncodeToString(h.Sum(nil)), nil
}

// readback hashes limit bytes from the device. The caller must have
// flushed the buffer cache first, otherwise this verifies RAM.
func readback(ctx context.Context, dev *os.File, limit int64, chunk int) (string, error) {
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, errors.Precondition, "rewinding device for readback")
	}
	h := sha256.New()
	buf := make([]byte, chunk)
	var read int64
	for read < limit {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrap(err, errors.Cancelled, "readback interrupted")
		}
		n := int64(len(buf))
		if limit-read < n {
			n = limit - read
		}
		m, err := io.ReadFull(dev, buf[:n])
		if m > 0 {
			h.Write(buf[:m])
			read += int64(m)
		}
		if err != nil {
			return "", errors.Wrap(err, errors.Precondition, "reading device back at offset %d", read)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// prefixDigest hashes the first limit bytes of the image file.
func prefixDigest(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, errors.NotFound, "opening image %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, limit); err != nil {
		return "", errors.Wrap(err, errors.Precondition, "hashing image prefix")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
