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

package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openwrt-tools/imagegen/cmd/imagegen/app/cmd"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// Run executes the root command with signal-driven cancellation. SIGINT
// and SIGTERM cancel the context so in-flight subprocesses get their
// graceful shutdown.
func Run(out, stderr io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := cmd.NewImagegenCommand(out, stderr)
	return c.ExecuteContext(ctx)
}

// ExitCode maps the error taxonomy onto process exit codes so scripts can
// branch on the failure class.
func ExitCode(err error) int {
	switch errors.GetCode(err) {
	case errors.Validation:
		return 2
	case errors.NotFound:
		return 3
	case errors.Precondition, errors.CacheConflict:
		return 4
	case errors.DownloadFailed:
		return 5
	case errors.BuildFailed, errors.BuildTimeout:
		return 6
	case errors.FlashHashMismatch:
		return 7
	case errors.PermissionDenied, errors.Security:
		return 8
	case errors.Cancelled:
		return 130
	default:
		return 1
	}
}
