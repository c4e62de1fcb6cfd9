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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
)

var (
	toolchainState     string
	toolchainUnusedFor time.Duration
)

// NewCmdToolchain groups the toolchain cache subcommands.
func NewCmdToolchain(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolchain",
		Short: "Manage the image-builder cache",
	}
	cmd.AddCommand(newCmdToolchainEnsure(out))
	cmd.AddCommand(newCmdToolchainList(out))
	cmd.AddCommand(newCmdToolchainInfo(out))
	cmd.AddCommand(newCmdToolchainPrune(out))
	cmd.AddCommand(newCmdToolchainRemove(out))
	return cmd
}

func newCmdToolchainEnsure(out io.Writer) *cobra.Command {
	return NewCmd(out, "ensure <release> <target> <subtarget>").
		WithDescription("Download and verify an image builder if it is not cached").
		ExactArgs(3, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				tc, err := rt.toolchains.Ensure(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s (%s)\n", tc.Key(), tc.State, tc.RootDir)
				return nil
			})
		})
}

func newCmdToolchainList(out io.Writer) *cobra.Command {
	return NewCmd(out, "list").
		WithDescription("List cached image builders").
		WithFlags(func(f *pflag.FlagSet) {
			f.StringVar(&toolchainState, "state", "", "Only instances in this state (pending, ready, broken, deprecated)")
		}).
		NoArgs(func(ctx context.Context, out io.Writer) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				list, err := rt.toolchains.List(store.ToolchainState(toolchainState))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSTATE\tLAST USED")
				for _, tc := range list {
					last := "never"
					if !tc.LastUsedAt.IsZero() {
						last = humanize.Time(tc.LastUsedAt)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", tc.Key(), tc.State, last)
				}
				return w.Flush()
			})
		})
}

func newCmdToolchainInfo(out io.Writer) *cobra.Command {
	return NewCmd(out, "info <release> <target> <subtarget>").
		WithDescription("Show one cached image builder including its disk usage").
		ExactArgs(3, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				info, err := rt.toolchains.Describe(args[0], args[1], args[2])
				if err != nil {
					return err
				}
				tc := info.Toolchain
				fmt.Fprintf(out, "key:       %s\n", tc.Key())
				fmt.Fprintf(out, "state:     %s\n", tc.State)
				fmt.Fprintf(out, "url:       %s\n", tc.URL)
				fmt.Fprintf(out, "root:      %s\n", tc.RootDir)
				fmt.Fprintf(out, "sha256:    %s\n", tc.ArchiveSHA256)
				fmt.Fprintf(out, "disk size: %s\n", humanize.IBytes(uint64(info.DiskSize)))
				if !tc.LastUsedAt.IsZero() {
					fmt.Fprintf(out, "last used: %s\n", humanize.Time(tc.LastUsedAt))
				}
				return nil
			})
		})
}

func newCmdToolchainPrune(out io.Writer) *cobra.Command {
	return NewCmd(out, "prune").
		WithDescription("Delete broken, deprecated and long-unused image builders").
		WithFlags(func(f *pflag.FlagSet) {
			f.DurationVar(&toolchainUnusedFor, "unused-for", 0, "Also delete ready instances not used for this long (0 keeps all ready instances)")
		}).
		NoArgs(func(ctx context.Context, out io.Writer) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				removed, err := rt.toolchains.Prune(ctx, toolchainUnusedFor)
				for _, key := range removed {
					fmt.Fprintf(out, "removed %s\n", key)
				}
				if err == nil && len(removed) == 0 {
					fmt.Fprintln(out, "nothing to prune")
				}
				return err
			})
		})
}

func newCmdToolchainRemove(out io.Writer) *cobra.Command {
	return NewCmd(out, "remove <release> <target> <subtarget>").
		WithDescription("Delete one cached image builder").
		ExactArgs(3, func(ctx context.Context, out io.Writer, args []string) error {
			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				return rt.toolchains.Remove(ctx, args[0], args[1], args[2])
			})
		})
}
