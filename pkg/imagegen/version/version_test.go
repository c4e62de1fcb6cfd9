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

package version

import (
	"testing"

	"github.com/blang/semver/v4"

	"github.com/openwrt-tools/imagegen/testutil"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		description string
		in          string
		out         semver.Version
		shouldErr   bool
	}{
		{
			description: "parse version correct",
			in:          "v0.10.0",
			out:         semver.MustParse("0.10.0"),
		},
		{
			description: "parse version without leading v",
			in:          "0.10.0",
			out:         semver.MustParse("0.10.0"),
		},
		{
			description: "parse version with whitespace",
			in:          " v1.2.3 ",
			out:         semver.MustParse("1.2.3"),
		},
		{
			description: "parse error",
			in:          "notasemver",
			shouldErr:   true,
		},
		{
			description: "empty string",
			in:          "",
			shouldErr:   true,
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			version, err := ParseVersion(test.in)

			testutil.CheckErrorAndDeepEqual(t, test.shouldErr, err, test.out, version)
		})
	}
}

func TestGet(t *testing.T) {
	info := Get()

	if info.GoVersion == "" {
		t.Error("go version not set")
	}
	if info.Platform == "" {
		t.Error("platform not set")
	}
}
