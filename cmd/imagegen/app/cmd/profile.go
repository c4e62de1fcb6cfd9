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
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
)

var profileOpts = struct {
	release string
	target  string
	tag     string
	query   string
	format  string
}{}

// NewCmdProfile groups the profile management subcommands.
func NewCmdProfile(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage device profiles",
	}
	cmd.AddCommand(newCmdProfileList(out))
	cmd.AddCommand(newCmdProfileGet(out))
	cmd.AddCommand(newCmdProfileImport(out))
	cmd.AddCommand(newCmdProfileExport(out))
	cmd.AddCommand(newCmdProfileDelete(out))
	return cmd
}

func newCmdProfileList(out io.Writer) *cobra.Command {
	return NewCmd(out, "list").
		WithDescription("List stored profiles").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&profileOpts.release, "release", "", "Only profiles for this release")
			f.StringVar(&profileOpts.target, "target", "", "Only profiles for this target")
			f.StringVar(&profileOpts.tag, "tag", "", "Only profiles carrying this tag")
			f.StringVar(&profileOpts.query, "query", "", "Substring match on id, name or device")
		}).
		NoArgs(func(ctx context.Context, out io.Writer) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				records, err := rt.store.ListProfiles(store.ProfileFilter{
					Release: profileOpts.release,
					Target:  profileOpts.target,
					Tag:     profileOpts.tag,
					Query:   profileOpts.query,
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tDEVICE\tRELEASE\tTARGET\tVERSION")
				for _, r := range records {
					p := r.Profile
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\t%d\n", p.ID, p.Name, p.DeviceID, p.Release, p.Target, p.Subtarget, r.Version)
				}
				return w.Flush()
			})
		})
}

func newCmdProfileGet(out io.Writer) *cobra.Command {
	return NewCmd(out, "get <profile-id>").
		WithDescription("Print one stored profile").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&profileOpts.format, "format", "yaml", "Output format: yaml or json")
		}).
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.store.GetProfile(args[0])
				if err != nil {
					return err
				}
				data, err := profile.Export(&rec.Profile, profileOpts.format)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			})
		})
}

func newCmdProfileImport(out io.Writer) *cobra.Command {
	return NewCmd(out, "import <path>...").
		WithDescription("Import profile files or directories into the store").
		WithLongDescription("Import profile documents. Each file is validated and upserted "+
			"independently; a bad file does not block the rest.").
		AtLeastArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				var firstErr error
				for _, res := range profile.ImportAll(args) {
					if res.Err != nil {
						fmt.Fprintf(out, "%s: %v\n", res.Path, res.Err)
						if firstErr == nil {
							firstErr = res.Err
						}
						continue
					}
					_, created, err := rt.store.UpsertProfile(res.Profile)
					if err != nil {
						fmt.Fprintf(out, "%s: %v\n", res.Path, err)
						if firstErr == nil {
							firstErr = err
						}
						continue
					}
					verb := "updated"
					if created {
						verb = "created"
					}
					fmt.Fprintf(out, "%s: %s %s\n", res.Path, verb, res.Profile.ID)
				}
				return firstErr
			})
		})
}

func newCmdProfileExport(out io.Writer) *cobra.Command {
	return NewCmd(out, "export <profile-id>").
		WithDescription("Export one profile as a document").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&profileOpts.format, "format", "yaml", "Output format: yaml or json")
		}).
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.store.GetProfile(args[0])
				if err != nil {
					return err
				}
				data, err := profile.Export(&rec.Profile, profileOpts.format)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			})
		})
}

func newCmdProfileDelete(out io.Writer) *cobra.Command {
	return NewCmd(out, "delete <profile-id>").
		WithDescription("Delete one profile from the store").
		ExactArgs(1, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				if err := rt.store.DeleteProfile(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %s\n", args[0])
				return nil
			})
		})
}
