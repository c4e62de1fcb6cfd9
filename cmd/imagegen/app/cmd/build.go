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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/build"
)

var buildOpts = struct {
	force          bool
	initramfs      bool
	keepBuildDir   bool
	packages       []string
	removePackages []string
	imageName      string
	binDir         string
	failFast       bool
}{}

func addBuildFlags(f *pflag.FlagSet) {
	f.BoolVar(&buildOpts.force, "force-rebuild", false, "Run the builder even when a cached build matches")
	f.BoolVar(&buildOpts.initramfs, "initramfs", false, "Also produce an initramfs image")
	f.BoolVar(&buildOpts.keepBuildDir, "keep-build-dir", false, "Keep the working directory after the build")
	f.StringSliceVar(&buildOpts.packages, "package", nil, "Extra package to include (repeatable)")
	f.StringSliceVar(&buildOpts.removePackages, "remove-package", nil, "Extra package to exclude (repeatable)")
	f.StringVar(&buildOpts.imageName, "image-name", "", "Image-name suffix overriding the profile's")
	f.StringVar(&buildOpts.binDir, "bin-dir", "", "Directory for artifacts, overriding the configured root")
}

func buildOptions() build.Options {
	return build.Options{
		ForceRebuild:        buildOpts.force,
		Initramfs:           buildOpts.initramfs,
		KeepBuildDir:        buildOpts.keepBuildDir,
		ExtraPackages:       buildOpts.packages,
		ExtraPackagesRemove: buildOpts.removePackages,
		ExtraImageName:      buildOpts.imageName,
		BinDir:              buildOpts.binDir,
	}
}

// NewCmdBuild builds one profile.
func NewCmdBuild(out io.Writer) *cobra.Command {
	return NewCmd(out, "build").
		WithDescription("Build the image for one profile").
		WithFlags(addBuildFlags).
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				res, err := rt.builds.Build(ctx, args[0], buildOptions())
				if err != nil {
					return err
				}
				printBuildResult(out, res)
				return nil
			})
		})
}

// NewCmdBatch builds several profiles under the configured parallelism.
func NewCmdBatch(out io.Writer) *cobra.Command {
	return NewCmd(out, "batch").
		WithDescription("Build the images for several profiles").
		WithLongDescription("Build the images for several profiles, up to the configured parallelism. "+
			"By default every profile gets its attempt; with --fail-fast the first failure cancels the rest.").
		WithFlags(func(f *pflag.FlagSet) {
			addBuildFlags(f)
			f.BoolVar(&buildOpts.failFast, "fail-fast", false, "Cancel remaining builds after the first failure")
		}).
		AtLeastArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				results, err := rt.builds.BuildAll(ctx, args, buildOptions(), buildOpts.failFast)
				for _, r := range results {
					switch {
					case r.Err != nil:
						fmt.Fprintf(out, "%s: FAILED: %v\n", r.ProfileID, r.Err)
					case r.Result == nil:
						fmt.Fprintf(out, "%s: skipped\n", r.ProfileID)
					default:
						fmt.Fprintf(out, "%s: build %d (%d artifacts, cache hit: %t)\n",
							r.ProfileID, r.Result.Build.ID, len(r.Result.Artifacts), r.Result.CacheHit)
					}
				}
				return err
			})
		})
}

func printBuildResult(out io.Writer, res *build.Result) {
	if res.CacheHit {
		fmt.Fprintf(out, "Cache hit: reusing build %d\n", res.Build.ID)
	} else {
		fmt.Fprintf(out, "Build %d succeeded in %s\n", res.Build.ID, res.Build.Duration().Truncate(time.Second))
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(out, "  %-12s %-60s %10s  %s\n", a.Kind, a.RelPath, humanize.IBytes(uint64(a.SizeBytes)), a.SHA256[:12])
	}
}
