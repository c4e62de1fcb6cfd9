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

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/flash"
)

var flashOpts = struct {
	image      string
	artifactID uint64
	force      bool
	wipe       bool
	dryRun     bool
	verifyMode string
}{}

// NewCmdFlash writes an image to a block device.
func NewCmdFlash(out io.Writer) *cobra.Command {
	return NewCmd(out, "flash <device>").
		WithDescription("Write an image to a whole block device and verify it").
		WithLongDescription("Write an image to a whole block device, then read the device back and "+
			"compare digests. Partitions, mounted devices and the device backing the running system "+
			"are always refused. Destructive writes require --force.").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&flashOpts.image, "image", "", "Path of the image file to write")
			f.Uint64Var(&flashOpts.artifactID, "artifact", 0, "Recorded artifact id to write")
			f.BoolVar(&flashOpts.force, "force", false, "Confirm that the device's contents may be destroyed")
			f.BoolVar(&flashOpts.wipe, "wipe", false, "Zero the leading signature region before writing")
			f.BoolVar(&flashOpts.dryRun, "dry-run", false, "Validate and report the plan without writing")
			f.StringVar(&flashOpts.verifyMode, "verify", "", "Verification mode: full or prefix-<size> (default from config)")
		}).
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				req := flash.Request{
					DevicePath: args[0],
					Force:      flashOpts.force,
					Wipe:       flashOpts.wipe,
					DryRun:     flashOpts.dryRun,
					VerifyMode: flashOpts.verifyMode,
				}

				switch {
				case flashOpts.image != "" && flashOpts.artifactID != 0:
					return errors.New(errors.Validation, "--image and --artifact are mutually exclusive")
				case flashOpts.image != "":
					req.ImagePath = flashOpts.image
				case flashOpts.artifactID != 0:
					a, err := rt.store.GetArtifact(flashOpts.artifactID)
					if err != nil {
						return err
					}
					path, err := rt.builds.ArtifactPath(a)
					if err != nil {
						return err
					}
					req.ImagePath = path
					req.ArtifactID = a.ID
					req.BuildID = a.BuildID
					req.ExpectedSHA256 = a.SHA256
					req.ExpectedSize = a.SizeBytes
				default:
					return errors.New(errors.Validation, "one of --image or --artifact is required")
				}

				rec, err := rt.flasher.Flash(ctx, req)
				if err != nil {
					if rec != nil && rec.Suspect {
						fmt.Fprintf(out, "WARNING: %s may hold a partial image; do not boot from it\n", req.DevicePath)
					}
					return err
				}
				if rec.DryRun {
					fmt.Fprintf(out, "Dry run: would write %s to %s\n", req.ImagePath, req.DevicePath)
					return nil
				}
				fmt.Fprintf(out, "Flashed %s (%s) to %s, verify %s\n",
					req.ImagePath, humanize.IBytes(uint64(rec.BytesWritten)), req.DevicePath, rec.VerifyResult)
				return nil
			})
		})
}
