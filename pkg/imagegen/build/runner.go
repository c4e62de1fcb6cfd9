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

package build

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	shell "github.com/kballard/go-shellquote"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/logfile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/output/log"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/util"
)

// runnerArgs composes the builder invocation for one build. The builder is
// driven through make variables passed as KEY=VALUE argv elements; no shell
// is involved, so values need no quoting on the way in.
func runnerArgs(p *profile.Profile, opts Options, filesDir, binDir string) []string {
	args := []string{"image", "PROFILE=" + p.BuilderProfile}

	if pkgs := EffectivePackages(p, opts.ExtraPackages, opts.ExtraPackagesRemove); len(pkgs) > 0 {
		args = append(args, "PACKAGES="+strings.Join(pkgs, " "))
	}
	if filesDir != "" {
		args = append(args, "FILES="+filesDir)
	}
	args = append(args, "BIN_DIR="+binDir)
	extraName := p.ExtraImageName
	if opts.ExtraImageName != "" {
		extraName = opts.ExtraImageName
	}
	if extraName != "" {
		args = append(args, "EXTRA_IMAGE_NAME="+extraName)
	}
	if len(p.DisabledServices) > 0 {
		args = append(args, "DISABLED_SERVICES="+strings.Join(p.DisabledServices, " "))
	}
	if p.RootfsPartsize > 0 {
		args = append(args, "ROOTFS_PARTSIZE="+strconv.Itoa(p.RootfsPartsize))
	}
	if p.AddLocalKey {
		args = append(args, "ADD_LOCAL_KEY=1")
	}
	if opts.Initramfs {
		args = append(args, "INITRAMFS=1")
	}
	return args
}

// run executes the builder inside the toolchain root, streaming combined
// output into the given log. Cancellation sends SIGTERM and escalates to
// SIGKILL after the grace period.
func (e *Engine) run(ctx context.Context, toolchainRoot string, args []string, lf *logfile.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "make", args...)
	cmd.Dir = toolchainRoot
	cmd.Stdout = lf
	cmd.Stderr = lf
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.TermGrace

	log.Entry(ctx).Infof("running %s", shell.Join(cmd.Args...))
	fmt.Fprintf(lf, "+ %s\n", shell.Join(cmd.Args...))

	start := time.Now()
	err := util.RunCmd(cmd)
	fmt.Fprintf(lf, "+ finished in %s\n", time.Since(start).Truncate(time.Millisecond))
	if err == nil {
		return nil
	}

	tail := strings.TrimSpace(string(lf.Tail()))
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return errors.Wrap(err, errors.BuildTimeout, "builder exceeded the %s build timeout", e.cfg.BuildTimeout).
			WithDetail("tail", tail).
			WithLogPath(lf.Name())
	case ctx.Err() == context.Canceled:
		return errors.Wrap(err, errors.Cancelled, "build cancelled").
			WithLogPath(lf.Name())
	default:
		berr := errors.Wrap(err, errors.BuildFailed, "builder exited with an error").
			WithDetail("tail", tail).
			WithLogPath(lf.Name())
		if ee, ok := err.(*exec.ExitError); ok {
			berr = berr.WithDetail("exit_code", ee.ExitCode())
		}
		return berr
	}
}
