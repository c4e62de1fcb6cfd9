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
	"fmt"
	"runtime"
	"strings"

	"github.com/blang/semver/v4"
)

var version, gitCommit, buildDate string

var platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)

// Info holds the build-time version information, set via ldflags.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Platform  string
}

// Get returns the version information of this binary.
func Get() *Info {
	return &Info{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  platform,
	}
}

// ParseVersion parses a semver string with or without a leading "v".
func ParseVersion(version string) (semver.Version, error) {
	// Strip the leading 'v' in our version strings.
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	parsed, err := semver.Parse(version)
	if err != nil {
		return semver.Version{}, fmt.Errorf("parsing semver %q: %w", version, err)
	}
	return parsed, nil
}
