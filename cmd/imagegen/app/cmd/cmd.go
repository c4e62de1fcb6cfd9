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
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/build"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/config"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/flash"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/toolchain"
)

var v string

var rootCmd = &cobra.Command{
	Use:           "imagegen",
	Short:         "Builds and flashes embedded firmware images from declarative device profiles.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// NewImagegenCommand returns the fully wired root command.
func NewImagegenCommand(out, stderr io.Writer) *cobra.Command {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return SetUpLogs(stderr, v)
	}

	rootCmd.AddCommand(NewCmdBuild(out))
	rootCmd.AddCommand(NewCmdBatch(out))
	rootCmd.AddCommand(NewCmdFlash(out))
	rootCmd.AddCommand(NewCmdProfile(out))
	rootCmd.AddCommand(NewCmdToolchain(out))
	rootCmd.AddCommand(NewCmdBuilds(out))
	rootCmd.AddCommand(NewCmdFlashes(out))
	rootCmd.AddCommand(NewCmdVersion(out))

	rootCmd.PersistentFlags().StringVarP(&v, "verbosity", "v", constants.DefaultLogLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	return rootCmd
}

// SetUpLogs configures logrus from the verbosity flag.
func SetUpLogs(stderr io.Writer, level string) error {
	logrus.SetOutput(stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

// runtime bundles the engines every command runs against.
type runtime struct {
	cfg        config.Config
	store      store.Interface
	toolchains *toolchain.Cache
	builds     *build.Engine
	flasher    *flash.Engine
}

// withRuntime loads configuration, opens the state store and hands both to
// the action, closing the store afterwards.
func withRuntime(ctx context.Context, action func(context.Context, *runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer st.Close()

	tc := toolchain.New(cfg, st)
	rt := &runtime{
		cfg:        cfg,
		store:      st,
		toolchains: tc,
		builds:     build.NewEngine(cfg, st, tc),
		flasher:    flash.NewEngine(cfg, st),
	}
	return action(ctx, rt)
}
