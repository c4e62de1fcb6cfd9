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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// builderHost is the build-host suffix of upstream image-builder archives.
const builderHost = "Linux-x86_64"

// zstdSince is the first release whose image builders ship as tar.zst
// instead of tar.xz. Snapshot builders are always tar.zst.
var zstdSince = semver.MustParse("24.10.0")

// resolveURL maps a toolchain key to the upstream directory URL and the
// archive filename inside it.
func resolveURL(base, release, target, subtarget string) (dirURL, archiveName string, err error) {
	base = strings.TrimSuffix(base, "/")

	if release == "snapshot" {
		dirURL = fmt.Sprintf("%s/snapshots/targets/%s/%s/", base, target, subtarget)
		archiveName = fmt.Sprintf("openwrt-imagebuilder-%s-%s.%s.tar.zst", target, subtarget, builderHost)
		return dirURL, archiveName, nil
	}

	v, perr := semver.ParseTolerant(release)
	if perr != nil {
		return "", "", errors.New(errors.Validation, "release %q is neither a version nor \"snapshot\"", release)
	}

	ext := "tar.xz"
	if v.GTE(zstdSince) {
		ext = "tar.zst"
	}
	dirURL = fmt.Sprintf("%s/releases/%s/targets/%s/%s/", base, release, target, subtarget)
	archiveName = fmt.Sprintf("openwrt-imagebuilder-%s-%s-%s.%s.%s", release, target, subtarget, builderHost, ext)
	return dirURL, archiveName, nil
}

// fetchChecksums downloads and parses the sha256sums file published next to
// the archives. Lines have the form "<hex digest> *<filename>".
func (c *Cache) fetchChecksums(ctx context.Context, dirURL string) (map[string]string, error) {
	url := dirURL + "sha256sums"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.DownloadFailed, "fetching %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.DownloadFailed, "fetching %s: HTTP %d", url, resp.StatusCode)
	}

	sums := map[string]string{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		sums[name] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DownloadFailed, "reading %s", url)
	}
	return sums, nil
}

// download streams url to dest, verifying the SHA-256 digest as the bytes
// arrive. A digest mismatch removes the partial file; there are no retries,
// the caller decides whether to run again.
func (c *Cache) download(ctx context.Context, url, dest, wantSHA string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.DownloadFailed, "fetching %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.DownloadFailed, "fetching %s: HTTP %d", url, resp.StatusCode)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, errors.Precondition, "creating %s", tmp)
	}

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, h), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.DownloadFailed, "downloading %s", url)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != wantSHA {
		os.Remove(tmp)
		return errors.New(errors.DownloadFailed, "digest mismatch for %s", url).
			WithDetail("expected", wantSHA).
			WithDetail("actual", got)
	}
	return os.Rename(tmp, dest)
}
