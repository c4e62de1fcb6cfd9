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

	"github.com/spf13/cobra"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/version"
)

// NewCmdVersion prints the version information of this binary.
func NewCmdVersion(out io.Writer) *cobra.Command {
	return NewCmd(out, "version").
		WithDescription("Print the version information").
		NoArgs(func(_ context.Context, out io.Writer) error {
			_, err := fmt.Fprintf(out, "%+v\n", *version.Get())
			return err
		})
}
