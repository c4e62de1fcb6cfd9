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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/testutil"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		description     string
		release         string
		expectedDir     string
		expectedArchive string
		shouldErr       bool
	}{
		{
			description:     "release before the zstd switch uses tar.xz",
			release:         "23.05.3",
			expectedDir:     "https://downloads.example.org/releases/23.05.3/targets/ath79/generic/",
			expectedArchive: "openwrt-imagebuilder-23.05.3-ath79-generic.Linux-x86_64.tar.xz",
		},
		{
			description:     "release after the zstd switch uses tar.zst",
			release:         "24.10.0",
			expectedDir:     "https://downloads.example.org/releases/24.10.0/targets/ath79/generic/",
			expectedArchive: "openwrt-imagebuilder-24.10.0-ath79-generic.Linux-x86_64.tar.zst",
		},
		{
			description:     "snapshot drops the release from the name",
			release:         "snapshot",
			expectedDir:     "https://downloads.example.org/snapshots/targets/ath79/generic/",
			expectedArchive: "openwrt-imagebuilder-ath79-generic.Linux-x86_64.tar.zst",
		},
		{
			description: "garbage release",
			release:     "not-a-version",
			shouldErr:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			dir, archive, err := resolveURL("https://downloads.example.org", test.release, "ath79", "generic")
			testutil.CheckError(t, test.shouldErr, err)
			if test.shouldErr {
				return
			}
			testutil.CheckDeepEqual(t, test.expectedDir, dir)
			testutil.CheckDeepEqual(t, test.expectedArchive, archive)
		})
	}
}

func TestFetchChecksums(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/targets/ath79/generic/sha256sums" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, "aaaa *openwrt-imagebuilder-ath79-generic.Linux-x86_64.tar.zst")
		fmt.Fprintln(w, "bbbb *openwrt-23.05.3-ath79-generic.manifest")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "malformed line without digest field count three")
	}))
	defer server.Close()

	c := &Cache{client: server.Client()}

	sums, err := c.fetchChecksums(context.Background(), server.URL+"/targets/ath79/generic/")

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "aaaa", sums["openwrt-imagebuilder-ath79-generic.Linux-x86_64.tar.zst"])
	testutil.CheckDeepEqual(t, "bbbb", sums["openwrt-23.05.3-ath79-generic.manifest"])
	testutil.CheckDeepEqual(t, 2, len(sums))

	_, err = c.fetchChecksums(context.Background(), server.URL+"/missing/")
	if !errors.IsCode(err, errors.DownloadFailed) {
		t.Errorf("expected download_failed, got %v", err)
	}
}

func TestDownload(t *testing.T) {
	payload := []byte("archive bytes")
	sum := sha256.Sum256(payload)
	good := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	c := &Cache{client: server.Client()}

	t.Run("digest matches", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "archive.tar.zst")
		err := c.download(context.Background(), server.URL, dest, good)
		testutil.CheckError(t, false, err)

		data, err := os.ReadFile(dest)
		testutil.CheckError(t, false, err)
		testutil.CheckDeepEqual(t, payload, data)
	})

	t.Run("digest mismatch leaves no file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "archive.tar.zst")
		err := c.download(context.Background(), server.URL, dest, "0000")
		if !errors.IsCode(err, errors.DownloadFailed) {
			t.Fatalf("expected download_failed, got %v", err)
		}
		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Error("partial download was not cleaned up")
		}
		if _, err := os.Stat(dest + ".partial"); !os.IsNotExist(err) {
			t.Error("partial file was not cleaned up")
		}
	})

	t.Run("http error", func(t *testing.T) {
		errServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer errServer.Close()
		c := &Cache{client: errServer.Client()}

		err := c.download(context.Background(), errServer.URL, filepath.Join(t.TempDir(), "x"), good)
		if !errors.IsCode(err, errors.DownloadFailed) {
			t.Errorf("expected download_failed, got %v", err)
		}
	})
}
