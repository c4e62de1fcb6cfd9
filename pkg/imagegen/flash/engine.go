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
	goerrors "errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/config"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/logfile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/output/log"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
)

// Engine flashes images onto block devices and records every attempt.
type Engine struct {
	cfg   config.Config
	store store.Interface
	locks *util.KeyedMutex
}

// NewEngine returns a flash engine backed by the given store.
func NewEngine(cfg config.Config, st store.Interface) *Engine {
	return &Engine{cfg: cfg, store: st, locks: util.NewKeyedMutex()}
}

// Request describes one flash attempt.
type Request struct {
	// ImagePath is the image to write.
	ImagePath string

	// ArtifactID and BuildID link the record back to a recorded build;
	// both are optional provenance.
	ArtifactID uint64
	BuildID    uint64

	// ExpectedSHA256 and ExpectedSize are the recorded digest and size of
	// the source artifact. When set, the image file on disk must still
	// match them.
	ExpectedSHA256 string
	ExpectedSize   int64

	// DevicePath is the whole block device to write to.
	DevicePath string

	// Force acknowledges that the device's contents will be destroyed.
	// Without it only a dry run is allowed.
	Force bool

	// Wipe zeroes the leading signature region before the image is
	// written.
	Wipe bool

	// DryRun validates everything and reports the plan without writing.
	DryRun bool

	// VerifyMode overrides the configured readback mode ("full" or
	// "prefix-<size>").
	VerifyMode string
}

// Flash writes the image to the device and verifies it by readback. Two
// requests for the same device serialize; everything else about the
// operation is recorded in the returned store record, also on failure.
func (e *Engine) Flash(ctx context.Context, req Request) (*store.Flash, error) {
	ctx = log.WithEventContext(ctx, constants.Flash, filepath.Base(req.DevicePath))

	verifyMode := req.VerifyMode
	if verifyMode == "" {
		verifyMode = e.cfg.VerifyMode
	}
	verifyLimit, err := parseVerifyMode(verifyMode)
	if err != nil {
		return nil, err
	}

	if !req.DryRun && !req.Force {
		return nil, errors.New(errors.Precondition, "flashing %s destroys its contents; pass force to confirm", req.DevicePath)
	}

	unlock, err := e.locks.Lock(ctx, req.DevicePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.Cancelled, "waiting for device lock")
	}
	defer unlock()

	dev, err := validateDevice(req.DevicePath)
	if err != nil {
		return nil, err
	}

	srcSHA, srcSize, err := util.SHA256File(req.ImagePath)
	if err != nil {
		return nil, errors.Wrap(err, errors.NotFound, "reading image %s", req.ImagePath)
	}
	if srcSize == 0 {
		return nil, errors.New(errors.Validation, "image %s is empty", req.ImagePath)
	}
	if req.ExpectedSize != 0 && srcSize != req.ExpectedSize {
		return nil, errors.New(errors.CacheConflict, "image %s is %d bytes but its artifact record says %d", req.ImagePath, srcSize, req.ExpectedSize)
	}
	if req.ExpectedSHA256 != "" && srcSHA != req.ExpectedSHA256 {
		return nil, errors.New(errors.CacheConflict, "image %s no longer matches its artifact record", req.ImagePath).
			WithDetail("expected", req.ExpectedSHA256).
			WithDetail("actual", srcSHA)
	}
	if srcSize > dev.Size {
		return nil, errors.New(errors.Precondition, "image %s (%s) does not fit on %s (%s)",
			req.ImagePath, humanize.IBytes(uint64(srcSize)), dev.Path, humanize.IBytes(uint64(dev.Size)))
	}

	rec := &store.Flash{
		ArtifactID:   req.ArtifactID,
		BuildID:      req.BuildID,
		ImagePath:    req.ImagePath,
		DevicePath:   dev.Path,
		DeviceModel:  dev.Model,
		DeviceSerial: dev.Serial,
		Status:       store.FlashPending,
		VerifyMode:   verifyMode,
		DryRun:       req.DryRun,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateFlash(rec); err != nil {
		return nil, err
	}

	lf, err := logfile.Create(e.cfg.CacheRoot, "flash-logs", strconv.FormatUint(rec.ID, 10)+".log")
	if err != nil {
		return rec, e.fail(ctx, rec, errors.Wrap(err, errors.Precondition, "creating flash log"))
	}
	defer lf.Close()
	rec.LogPath = lf.Name()

	fmt.Fprintf(lf, "image:  %s (%s, sha256 %s)\n", req.ImagePath, humanize.IBytes(uint64(srcSize)), srcSHA)
	fmt.Fprintf(lf, "device: %s (%s", dev.Path, humanize.IBytes(uint64(dev.Size)))
	if dev.Model != "" {
		fmt.Fprintf(lf, ", %s", dev.Model)
	}
	fmt.Fprintf(lf, ")\nwipe:   %t\nverify: %s\n", req.Wipe, verifyMode)

	if req.DryRun {
		fmt.Fprintf(lf, "dry run: no bytes written\n")
		rec.Status = store.FlashSucceeded
		rec.VerifyResult = "skipped"
		rec.FinishedAt = time.Now().UTC()
		if err := e.store.UpdateFlash(rec); err != nil {
			return rec, err
		}
		log.Entry(ctx).Infof("dry run: would write %s to %s", humanize.IBytes(uint64(srcSize)), dev.Path)
		return rec, nil
	}

	rec.Status = store.FlashRunning
	if err := e.store.UpdateFlash(rec); err != nil {
		return rec, err
	}

	result, ferr := e.write(ctx, lf, dev, req.ImagePath, srcSHA, srcSize, verifyLimit, req.Wipe)
	rec.Wiped = result.wiped
	rec.BytesWritten = result.written
	rec.VerifyResult = result.verifyResult
	if ferr != nil {
		rec.Suspect = result.suspect
		return rec, e.fail(ctx, rec, ferr)
	}

	rec.Status = store.FlashSucceeded
	rec.FinishedAt = time.Now().UTC()
	if err := e.store.UpdateFlash(rec); err != nil {
		return rec, err
	}
	log.Entry(ctx).Infof("flashed %s to %s, verify %s", humanize.IBytes(uint64(result.written)), dev.Path, result.verifyResult)
	return rec, nil
}

type writeResult struct {
	wiped        bool
	written      int64
	verifyResult string
	suspect      bool
}

// Seams for the device-specific calls so the write path is testable
// against plain files.
var (
	validateDevice = Validate
	openDevice     = openExclusive
	flushDevice    = flushBufferCache
)

func (e *Engine) write(ctx context.Context, lf *logfile.Logger, dev *Device, imagePath, srcSHA string, srcSize, verifyLimit int64, wipeFirst bool) (writeResult, error) {
	var res writeResult

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FlashTimeout)
	defer cancel()

	f, err := openDevice(dev.Path, true)
	if err != nil {
		return res, err
	}

	chunk := chunkSize(e.cfg.FlashChunkSize)

	if wipeFirst {
		wiped, err := wipe(ctx, f, dev.Size, e.cfg.SignatureWipeBytes, chunk)
		res.wiped = wiped > 0
		if err != nil {
			res.suspect = true
			f.Close()
			return res, err
		}
		fmt.Fprintf(lf, "wiped leading %s\n", humanize.IBytes(uint64(wiped)))
	}

	written, devSHA, err := writeImage(ctx, f, imagePath, chunk)
	res.written = written
	if err != nil {
		res.suspect = true
		f.Close()
		return res, err
	}
	fmt.Fprintf(lf, "wrote %s\n", humanize.IBytes(uint64(written)))
	if devSHA != srcSHA {
		// The image changed on disk while it was being written out.
		res.suspect = true
		f.Close()
		return res, errors.New(errors.CacheConflict, "image %s changed during the flash", imagePath)
	}

	if err := f.Sync(); err != nil {
		res.suspect = true
		f.Close()
		return res, errors.Wrap(err, errors.Precondition, "final device sync")
	}
	if err := flushDevice(f); err != nil {
		res.suspect = true
		f.Close()
		return res, err
	}
	if err := f.Close(); err != nil {
		res.suspect = true
		return res, errors.Wrap(err, errors.Precondition, "closing device")
	}

	// Reopen read-only so the verification pass cannot write.
	rf, err := openDevice(dev.Path, false)
	if err != nil {
		res.suspect = true
		return res, err
	}
	defer rf.Close()

	limit := written
	want := srcSHA
	verifyName := "full"
	if verifyLimit > 0 && verifyLimit < written {
		limit = verifyLimit
		verifyName = "prefix of " + humanize.IBytes(uint64(limit))
		if want, err = prefixDigest(imagePath, limit); err != nil {
			res.suspect = true
			return res, err
		}
	}

	got, err := readback(ctx, rf, limit, chunk)
	if err != nil {
		res.suspect = true
		return res, err
	}
	if got != want {
		res.suspect = true
		res.verifyResult = "mismatch"
		fmt.Fprintf(lf, "verify FAILED (%s): expected %s, read %s\n", verifyName, want, got)
		return res, errors.New(errors.FlashHashMismatch, "device %s does not hold the written image; do not boot from it", dev.Path).
			WithDetail("expected", want).
			WithDetail("actual", got).
			WithDetail("verified_bytes", limit)
	}
	res.verifyResult = "match"
	fmt.Fprintf(lf, "verify passed (%s)\n", verifyName)
	return res, nil
}

// fail records the terminal failed status and returns the original error
// with the log path attached.
func (e *Engine) fail(ctx context.Context, rec *store.Flash, cause error) error {
	rec.Status = store.FlashFailed
	rec.FinishedAt = time.Now().UTC()
	rec.Error = structuredFrom(cause, rec.LogPath)
	if err := e.store.UpdateFlash(rec); err != nil {
		log.Entry(ctx).Warnf("recording failed flash %d: %v", rec.ID, err)
	}
	return cause
}

func structuredFrom(err error, logPath string) *store.StructuredError {
	var se *errors.Error
	if goerrors.As(err, &se) {
		out := &store.StructuredError{
			Code:    string(se.Code),
			Message: se.Message,
			Details: se.Details,
			LogPath: se.LogPath,
		}
		if out.LogPath == "" {
			out.LogPath = logPath
		}
		return out
	}
	return &store.StructuredError{Code: string(errors.Precondition), Message: err.Error(), LogPath: logPath}
}
