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

// Package build turns a profile plus a ready toolchain into cached,
// content-addressed image artifacts. Builds are keyed by a canonical input
// snapshot; at most one build per cache key runs at a time, and a completed
// key is answered from the cache.
package build

import (
	"context"
	goerrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fatih/semgroup"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/config"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/logfile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/output/log"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/overlay"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/toolchain"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
)

// Engine coordinates toolchain acquisition, overlay staging, the builder
// subprocess and artifact recording.
type Engine struct {
	cfg        config.Config
	store      store.Interface
	toolchains *toolchain.Cache
	locks      *util.KeyedMutex
}

// NewEngine returns a build engine backed by the given store and toolchain
// cache.
func NewEngine(cfg config.Config, st store.Interface, tc *toolchain.Cache) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      st,
		toolchains: tc,
		locks:      util.NewKeyedMutex(),
	}
}

// Result is the outcome of one build request.
type Result struct {
	Build     *store.Build
	Artifacts []store.Artifact

	// CacheHit is set when the artifacts come from an earlier build with
	// the same cache key.
	CacheHit bool
}

// Build produces artifacts for the profile, reusing a cached build when the
// input snapshot matches a previously succeeded one. Concurrent requests
// with the same cache key serialize; the first runs the builder, later ones
// find its result in the cache.
func (e *Engine) Build(ctx context.Context, profileID string, opts Options) (*Result, error) {
	rec, err := e.store.GetProfile(profileID)
	if err != nil {
		return nil, err
	}
	p := &rec.Profile
	opts = opts.ApplyDefaults(p)
	ctx = log.WithEventContext(ctx, constants.Build, profileID)

	tc, err := e.toolchains.Ensure(ctx, p.Release, p.Target, p.Subtarget)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(e.cfg.CacheRoot, p.Release, p.Target, p.Subtarget, "work", uuid.NewString())

	var staged *overlay.Staged
	if p.OverlayDir != "" || len(p.Files) > 0 {
		staged, err = overlay.Stage(ctx, p, filepath.Join(workDir, "files"))
		if err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
	}
	overlayHash := ""
	if staged != nil {
		overlayHash = staged.TreeHash
	}

	snap := Snapshot(p, tc, overlayHash, opts)
	cacheKey, snapBytes, err := CacheKey(snap)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, cacheKey)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, errors.Wrap(err, errors.Cancelled, "waiting for build lock")
	}
	defer unlock()

	if !opts.ForceRebuild {
		if res, err := e.lookup(ctx, p, opts.BinDir, cacheKey); err != nil || res != nil {
			if err == nil || !opts.KeepBuildDir {
				os.RemoveAll(workDir)
			}
			return res, err
		}
	}

	res, err := e.execute(ctx, rec, tc, staged, opts, workDir, cacheKey, snapBytes)
	if !opts.KeepBuildDir {
		os.RemoveAll(workDir)
	} else {
		log.Entry(ctx).Infof("keeping build directory %s", workDir)
	}
	return res, err
}

// lookup answers a build from the cache. It returns (nil, nil) on a clean
// miss and a cache_conflict error when the store and the artifact tree
// disagree.
func (e *Engine) lookup(ctx context.Context, p *profile.Profile, binDirOverride, cacheKey string) (*Result, error) {
	prior, err := e.store.LatestSucceededBuild(cacheKey)
	if err != nil || prior == nil {
		return nil, err
	}
	artifacts, err := e.store.ListArtifacts(prior.ID)
	if err != nil {
		return nil, err
	}
	binDir := e.artifactDir(p, binDirOverride, prior.ID)
	if err := verifyArtifacts(binDir, artifacts); err != nil {
		return nil, err
	}
	log.Entry(ctx).Infof("cache hit: build %d", prior.ID)
	return &Result{Build: prior, Artifacts: artifacts, CacheHit: true}, nil
}

func (e *Engine) artifactDir(p *profile.Profile, override string, buildID uint64) string {
	binDir := override
	if binDir == "" {
		binDir = p.BinDir
	}
	if binDir != "" {
		return filepath.Join(binDir, strconv.FormatUint(buildID, 10))
	}
	return filepath.Join(e.cfg.ArtifactsRoot, p.Release, p.Target, p.Subtarget, p.ID, strconv.FormatUint(buildID, 10))
}

// ArtifactPath resolves the absolute on-disk path of a recorded artifact.
func (e *Engine) ArtifactPath(a *store.Artifact) (string, error) {
	b, err := e.store.GetBuild(a.BuildID)
	if err != nil {
		return "", err
	}
	rec, err := e.store.GetProfile(b.ProfileID)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.artifactDir(&rec.Profile, "", b.ID), filepath.FromSlash(a.RelPath)), nil
}

func (e *Engine) execute(ctx context.Context, rec *store.ProfileRecord, tc *store.Toolchain, staged *overlay.Staged, opts Options, workDir, cacheKey string, snapBytes []byte) (*Result, error) {
	p := &rec.Profile

	b := &store.Build{
		ProfileID:           p.ID,
		ProfileSnapshotHash: rec.SnapshotHash,
		ToolchainKey:        tc.Key(),
		InputSnapshot:       snapBytes,
		CacheKey:            cacheKey,
		Status:              store.BuildPending,
		RequestedAt:         time.Now().UTC(),
		WorkDir:             workDir,
	}
	if err := e.store.CreateBuild(b); err != nil {
		return nil, err
	}

	lf, err := logfile.Create(workDir, "build.log")
	if err != nil {
		return nil, e.fail(ctx, b, errors.Wrap(err, errors.Precondition, "creating build log"))
	}
	defer lf.Close()
	b.LogPath = lf.Name()

	b.Status = store.BuildRunning
	b.StartedAt = time.Now().UTC()
	if err := e.store.UpdateBuild(b); err != nil {
		return nil, err
	}

	binDir := e.artifactDir(p, opts.BinDir, b.ID)
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, e.fail(ctx, b, errors.Wrap(err, errors.Precondition, "creating artifact directory"))
	}

	filesDir := ""
	if staged != nil {
		filesDir = staged.Dir
	}
	args := runnerArgs(p, opts, filesDir, binDir)
	if err := e.run(ctx, tc.RootDir, args, lf); err != nil {
		os.RemoveAll(binDir)
		return nil, e.fail(ctx, b, err)
	}

	artifacts, err := discoverArtifacts(b.ID, binDir)
	if err != nil {
		return nil, e.fail(ctx, b, err)
	}
	for i := range artifacts {
		if err := e.store.CreateArtifact(&artifacts[i]); err != nil {
			return nil, e.fail(ctx, b, err)
		}
	}
	if err := writeManifest(binDir, cacheKey, artifacts); err != nil {
		return nil, e.fail(ctx, b, errors.Wrap(err, errors.Precondition, "writing artifact manifest"))
	}

	b.Status = store.BuildSucceeded
	b.FinishedAt = time.Now().UTC()
	if err := e.store.UpdateBuild(b); err != nil {
		return nil, err
	}
	log.Entry(ctx).Infof("build %d succeeded with %d artifacts in %s", b.ID, len(artifacts), b.Duration().Truncate(time.Second))
	return &Result{Build: b, Artifacts: artifacts}, nil
}

// fail records the terminal failed status and returns the original error.
func (e *Engine) fail(ctx context.Context, b *store.Build, cause error) error {
	b.Status = store.BuildFailed
	b.FinishedAt = time.Now().UTC()
	b.Error = structuredFrom(cause)
	if err := e.store.UpdateBuild(b); err != nil {
		log.Entry(ctx).Warnf("recording failed build %d: %v", b.ID, err)
	}
	return cause
}

func structuredFrom(err error) *store.StructuredError {
	var se *errors.Error
	if goerrors.As(err, &se) {
		return &store.StructuredError{
			Code:    string(se.Code),
			Message: se.Message,
			Details: se.Details,
			LogPath: se.LogPath,
		}
	}
	return &store.StructuredError{Code: string(errors.BuildFailed), Message: err.Error()}
}

// BatchResult is the outcome for one profile in a batch build.
type BatchResult struct {
	ProfileID string
	Result    *Result
	Err       error
}

// BuildAll builds every profile in order of appearance, running up to the
// configured parallelism. In fail-fast mode the first failure stops new
// builds from being admitted while builds already running finish; otherwise
// every profile gets its attempt and failures are reported per profile.
func (e *Engine) BuildAll(ctx context.Context, profileIDs []string, opts Options, failFast bool) ([]BatchResult, error) {
	results := make([]BatchResult, len(profileIDs))
	for i, id := range profileIDs {
		results[i].ProfileID = id
	}

	limit := e.cfg.BuildParallelism
	if limit < 1 {
		limit = 1
	}

	if failFast {
		var failed atomic.Bool
		var g errgroup.Group
		g.SetLimit(limit)
		for i, id := range profileIDs {
			i, id := i, id
			g.Go(func() error {
				if failed.Load() {
					return nil
				}
				res, err := e.Build(ctx, id, opts)
				results[i].Result = res
				results[i].Err = err
				if err != nil {
					failed.Store(true)
				}
				return err
			})
		}
		return results, g.Wait()
	}

	g := semgroup.NewGroup(ctx, int64(limit))
	for i, id := range profileIDs {
		i, id := i, id
		g.Go(func() error {
			res, err := e.Build(ctx, id, opts)
			results[i].Result = res
			results[i].Err = err
			return err
		})
	}
	return results, g.Wait()
}
