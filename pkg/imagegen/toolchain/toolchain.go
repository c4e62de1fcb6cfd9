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

// Package toolchain downloads, verifies and caches image-builder instances,
// one per (release, target, subtarget). An instance moves through
// pending -> ready, or to broken when acquisition fails; only a ready
// instance is ever handed to the build engine.
package toolchain

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/config"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/output/log"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/walk"
)

// Cache manages the on-disk toolchain cache and its store records.
type Cache struct {
	cfg    config.Config
	store  store.Interface
	client *http.Client
	sf     singleflight.Group
}

// New returns a Cache backed by the given store.
func New(cfg config.Config, st store.Interface) *Cache {
	return &Cache{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: cfg.DownloadTimeout},
	}
}

// dir is the cache slot for one toolchain key.
func (c *Cache) dir(release, target, subtarget string) string {
	return filepath.Join(c.cfg.CacheRoot, release, target, subtarget)
}

// Ensure returns a ready toolchain for the key, acquiring it first when
// necessary. Concurrent calls for the same key are coalesced into a single
// acquisition; all callers share its outcome.
func (c *Cache) Ensure(ctx context.Context, release, target, subtarget string) (*store.Toolchain, error) {
	key := release + "/" + target + "/" + subtarget
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.ensure(ctx, release, target, subtarget)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Toolchain), nil
}

func (c *Cache) ensure(ctx context.Context, release, target, subtarget string) (*store.Toolchain, error) {
	tc, err := c.store.GetToolchain(release, target, subtarget)
	if err != nil && !errors.IsCode(err, errors.NotFound) {
		return nil, err
	}

	if tc != nil && tc.State == store.ToolchainReady {
		if err := ValidateRoot(tc.RootDir); err != nil {
			log.Entry(ctx).Warnf("cached toolchain %s failed validation: %v", tc.Key(), err)
			tc.State = store.ToolchainBroken
			if err := c.store.PutToolchain(tc); err != nil {
				return nil, err
			}
		} else {
			now := time.Now().UTC()
			if tc.FirstUsedAt.IsZero() {
				tc.FirstUsedAt = now
			}
			tc.LastUsedAt = now
			if err := c.store.PutToolchain(tc); err != nil {
				return nil, err
			}
			return tc, nil
		}
	}

	if c.cfg.Offline {
		return nil, errors.New(errors.Precondition, "toolchain %s is not cached and offline mode forbids downloads", release+"/"+target+"/"+subtarget)
	}

	tc = &store.Toolchain{
		Release:   release,
		Target:    target,
		Subtarget: subtarget,
		State:     store.ToolchainPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.PutToolchain(tc); err != nil {
		return nil, err
	}

	if err := c.acquire(ctx, tc); err != nil {
		tc.State = store.ToolchainBroken
		if putErr := c.store.PutToolchain(tc); putErr != nil {
			log.Entry(ctx).Warnf("recording broken toolchain: %v", putErr)
		}
		return nil, err
	}

	now := time.Now().UTC()
	tc.State = store.ToolchainReady
	tc.FirstUsedAt = now
	tc.LastUsedAt = now
	if err := c.store.PutToolchain(tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// acquire downloads, verifies and extracts the instance into its cache
// slot, filling in the record's paths and digest.
func (c *Cache) acquire(ctx context.Context, tc *store.Toolchain) error {
	dirURL, archiveName, err := resolveURL(c.cfg.DownloadBase, tc.Release, tc.Target, tc.Subtarget)
	if err != nil {
		return err
	}
	tc.URL = dirURL + archiveName

	sums, err := c.fetchChecksums(ctx, dirURL)
	if err != nil {
		return err
	}
	wantSHA, ok := sums[archiveName]
	if !ok {
		return errors.New(errors.DownloadFailed, "checksum list at %s does not mention %s", dirURL, archiveName)
	}

	slot := c.dir(tc.Release, tc.Target, tc.Subtarget)
	if err := os.MkdirAll(slot, 0o755); err != nil {
		return errors.Wrap(err, errors.Precondition, "creating cache slot")
	}

	archivePath := filepath.Join(slot, archiveName)
	log.Entry(ctx).Infof("downloading %s", tc.URL)
	if err := c.download(ctx, tc.URL, archivePath, wantSHA); err != nil {
		return err
	}
	tc.ArchivePath = archivePath
	tc.ArchiveSHA256 = wantSHA
	tc.SigVerified = true

	rootDir := filepath.Join(slot, "imagebuilder")
	if err := os.RemoveAll(rootDir); err != nil {
		return errors.Wrap(err, errors.Precondition, "clearing extraction target")
	}
	log.Entry(ctx).Infof("extracting %s", archiveName)
	if err := Extract(archivePath, rootDir); err != nil {
		return err
	}
	tc.RootDir = rootDir

	return ValidateRoot(rootDir)
}

// ValidateRoot checks that dir looks like an extracted image builder:
// a Makefile plus the target and packages trees it operates on.
func ValidateRoot(dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return errors.New(errors.CacheConflict, "toolchain root %q is missing", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "Makefile")); err != nil {
		return errors.New(errors.CacheConflict, "toolchain root %q has no Makefile", dir)
	}
	for _, sub := range []string{"target", "packages"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			return errors.New(errors.CacheConflict, "toolchain root %q has no %s directory", dir, sub)
		}
	}
	return nil
}

// Info describes one cached instance including its disk footprint.
type Info struct {
	Toolchain store.Toolchain
	DiskSize  int64
}

// List returns all known instances, optionally filtered by state.
func (c *Cache) List(state store.ToolchainState) ([]store.Toolchain, error) {
	return c.store.ListToolchains(state)
}

// Describe returns the record and the disk usage of one instance.
func (c *Cache) Describe(release, target, subtarget string) (*Info, error) {
	tc, err := c.store.GetToolchain(release, target, subtarget)
	if err != nil {
		return nil, err
	}
	size, err := dirSize(c.dir(release, target, subtarget))
	if err != nil {
		return nil, err
	}
	return &Info{Toolchain: *tc, DiskSize: size}, nil
}

// Prune deletes broken and deprecated instances, plus ready instances last
// used before the unusedFor threshold when one is given. An instance
// referenced by a build that has not reached a terminal state is never
// removed. Returns the keys removed.
func (c *Cache) Prune(ctx context.Context, unusedFor time.Duration) ([]string, error) {
	inUse, err := c.referencedKeys()
	if err != nil {
		return nil, err
	}

	var candidates []store.Toolchain
	for _, state := range []store.ToolchainState{store.ToolchainBroken, store.ToolchainDeprecated} {
		list, err := c.store.ListToolchains(state)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, list...)
	}
	if unusedFor > 0 {
		cutoff := time.Now().UTC().Add(-unusedFor)
		ready, err := c.store.ListToolchains(store.ToolchainReady)
		if err != nil {
			return nil, err
		}
		for _, tc := range ready {
			if !tc.LastUsedAt.IsZero() && tc.LastUsedAt.Before(cutoff) {
				candidates = append(candidates, tc)
			}
		}
	}

	var removed []string
	for _, tc := range candidates {
		if inUse[tc.Key()] {
			log.Entry(ctx).Infof("keeping %s: referenced by a build in progress", tc.Key())
			continue
		}
		if err := c.remove(ctx, tc.Release, tc.Target, tc.Subtarget); err != nil {
			return removed, err
		}
		removed = append(removed, tc.Key())
	}
	return removed, nil
}

// Remove deletes one instance from disk and from the store. It refuses
// while a build referencing the instance is still in flight, since the
// cache slot also holds that build's working directory.
func (c *Cache) Remove(ctx context.Context, release, target, subtarget string) error {
	inUse, err := c.referencedKeys()
	if err != nil {
		return err
	}
	key := release + "/" + target + "/" + subtarget
	if inUse[key] {
		return errors.New(errors.Precondition, "toolchain %s is referenced by a build in progress", key)
	}
	return c.remove(ctx, release, target, subtarget)
}

func (c *Cache) remove(ctx context.Context, release, target, subtarget string) error {
	slot := c.dir(release, target, subtarget)
	log.Entry(ctx).Infof("removing toolchain %s/%s/%s", release, target, subtarget)
	if err := os.RemoveAll(slot); err != nil {
		return errors.Wrap(err, errors.Precondition, "removing %s", slot)
	}
	return c.store.DeleteToolchain(release, target, subtarget)
}

// referencedKeys collects the toolchain keys of builds that are still
// pending or running.
func (c *Cache) referencedKeys() (map[string]bool, error) {
	keys := map[string]bool{}
	for _, status := range []store.BuildStatus{store.BuildPending, store.BuildRunning} {
		builds, err := c.store.ListBuilds(store.BuildFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, b := range builds {
			keys[b.ToolchainKey] = true
		}
	}
	return keys, nil
}

func dirSize(dir string) (int64, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	var total int64
	err := walk.From(dir).WhenIsFile().Do(func(path string, _ walk.Dirent) error {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
