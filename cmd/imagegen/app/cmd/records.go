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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
)

var recordOpts = struct {
	profileID string
	status    string
	limit     int
}{}

// NewCmdBuilds groups the build record subcommands.
func NewCmdBuilds(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Inspect recorded builds",
	}
	cmd.AddCommand(newCmdBuildsList(out))
	cmd.AddCommand(newCmdBuildsGet(out))
	cmd.AddCommand(newCmdBuildsArtifacts(out))
	return cmd
}

func newCmdBuildsList(out io.Writer) *cobra.Command {
	return NewCmd(out, "list").
		WithDescription("List recorded builds, newest first").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&recordOpts.profileID, "profile", "", "Only builds of this profile")
			f.StringVar(&recordOpts.status, "status", "", "Only builds with this status")
			f.IntVar(&recordOpts.limit, "limit", 20, "Maximum number of builds to show")
		}).
		NoArgs(func(ctx context.Context, out io.Writer) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				builds, err := rt.store.ListBuilds(store.BuildFilter{
					ProfileID: recordOpts.profileID,
					Status:    store.BuildStatus(recordOpts.status),
					Limit:     recordOpts.limit,
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROFILE\tSTATUS\tDURATION\tCACHE KEY\tWHEN")
				for _, b := range builds {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						b.ID, b.ProfileID, b.Status, b.Duration().Truncate(time.Second), short(b.CacheKey), humanize.Time(b.RequestedAt))
				}
				return w.Flush()
			})
		})
}

func newCmdBuildsGet(out io.Writer) *cobra.Command {
	return NewCmd(out, "get <build-id>").
		WithDescription("Print one build record as JSON").
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				b, err := rt.store.GetBuild(parseID(args[0]))
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s\n", data)
				return err
			})
		})
}

func newCmdBuildsArtifacts(out io.Writer) *cobra.Command {
	return NewCmd(out, "artifacts <build-id>").
		WithDescription("List the artifacts of one build with their on-disk paths").
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				id := parseID(args[0])
				artifacts, err := rt.store.ListArtifacts(id)
				if err != nil {
					return err
				}
				if len(artifacts) == 0 {
					return errors.New(errors.NotFound, "no artifacts recorded for build %d", id)
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tSIZE\tSHA256\tPATH")
				for i := range artifacts {
					a := &artifacts[i]
					path, err := rt.builds.ArtifactPath(a)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						a.ID, a.Kind, humanize.IBytes(uint64(a.SizeBytes)), short(a.SHA256), path)
				}
				return w.Flush()
			})
		})
}

// NewCmdFlashes lists recorded flash attempts.
func NewCmdFlashes(out io.Writer) *cobra.Command {
	return NewCmd(out, "flashes").
		WithDescription("List recorded flash attempts, newest first").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&recordOpts.status, "status", "", "Only attempts with this status")
			f.IntVar(&recordOpts.limit, "limit", 20, "Maximum number of attempts to show")
		}).
		NoArgs(func(ctx context.Context, out io.Writer) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				flashes, err := rt.store.ListFlashes(store.FlashFilter{
					Status: store.FlashStatus(recordOpts.status),
					Limit:  recordOpts.limit,
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tDEVICE\tSTATUS\tWRITTEN\tVERIFY\tSUSPECT\tWHEN")
				for _, f := range flashes {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
						f.ID, f.DevicePath, f.Status, humanize.IBytes(uint64(f.BytesWritten)), f.VerifyResult, f.Suspect, humanize.Time(f.StartedAt))
				}
				return w.Flush()
			})
		})
}

// parseID maps a malformed id to 0, which the store reports as not found.
func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
