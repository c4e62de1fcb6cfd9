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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-tools/imagegen/testutil"
)

func TestParseVerifyMode(t *testing.T) {
	tests := []struct {
		description string
		mode        string
		expected    int64
		shouldErr   bool
	}{
		{description: "empty means full", mode: "", expected: -1},
		{description: "full", mode: "full", expected: -1},
		{description: "prefix with IEC size", mode: "prefix-16MiB", expected: 16 * 1024 * 1024},
		{description: "prefix with plain bytes", mode: "prefix-4096", expected: 4096},
		{description: "zero prefix", mode: "prefix-0", shouldErr: true},
		{description: "garbage", mode: "fastest", shouldErr: true},
		{description: "prefix without size", mode: "prefix-", shouldErr: true},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			got, err := parseVerifyMode(test.mode)
			testutil.CheckErrorAndDeepEqual(t, test.shouldErr, err, test.expected, got)
		})
	}
}

// openScratch creates a file pre-sized like a small device.
func openScratch(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "scratch"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWipe(t *testing.T) {
	devSize := int64(32 * 1024 * 1024)
	f := openScratch(t, devSize)
	// Pre-fill the head with a fake partition table signature.
	if _, err := f.WriteAt(bytes.Repeat([]byte{0xAA}, 1024), 0); err != nil {
		t.Fatal(err)
	}

	wiped, err := wipe(context.Background(), f, devSize, 1024, minChunkSize)

	testutil.CheckError(t, false, err)
	// The configured 1 KiB is below the floor.
	testutil.CheckDeepEqual(t, minWipeBytes, wiped)

	head := make([]byte, 1024)
	if _, err := f.ReadAt(head, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(head, make([]byte, 1024)) {
		t.Error("device head was not zeroed")
	}

	// The write offset must be back at zero for the image write.
	if off, err := f.Seek(0, 1); err != nil || off != 0 {
		t.Errorf("offset after wipe is %d", off)
	}
}

func TestWipeSmallDevice(t *testing.T) {
	devSize := int64(1024 * 1024)
	f := openScratch(t, devSize)

	wiped, err := wipe(context.Background(), f, devSize, 0, minChunkSize)

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, devSize, wiped)
}

func TestWriteImageAndReadback(t *testing.T) {
	image := bytes.Repeat([]byte{0x5A, 0x17}, 3*1024*1024)
	imagePath := testutil.TempFile(t, "image.bin", image)
	sum := sha256.Sum256(image)
	want := hex.EncodeToString(sum[:])

	f := openScratch(t, 32*1024*1024)

	written, got, err := writeImage(context.Background(), f, imagePath, minChunkSize)

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, int64(len(image)), written)
	testutil.CheckDeepEqual(t, want, got)

	back, err := readback(context.Background(), f, written, minChunkSize)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, want, back)

	// A shorter readback matches the image's prefix digest.
	prefix, err := readback(context.Background(), f, 4096, minChunkSize)
	testutil.CheckError(t, false, err)
	fromImage, err := prefixDigest(imagePath, 4096)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, fromImage, prefix)
}

func TestWriteImageCancellation(t *testing.T) {
	image := bytes.Repeat([]byte{1}, 2*minChunkSize)
	imagePath := testutil.TempFile(t, "image.bin", image)
	f := openScratch(t, 32*1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := writeImage(ctx, f, imagePath, minChunkSize)
	testutil.CheckError(t, true, err)
}

func TestChunkSizeFloor(t *testing.T) {
	testutil.CheckDeepEqual(t, minChunkSize, chunkSize(0))
	testutil.CheckDeepEqual(t, minChunkSize, chunkSize(4096))
	testutil.CheckDeepEqual(t, 8*1024*1024, chunkSize(8*1024*1024))
}
