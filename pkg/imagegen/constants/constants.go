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

package constants

import "github.com/sirupsen/logrus"

// Phase names used for structured log fields.
type Phase string

const (
	Build     = Phase("Build")
	Flash     = Phase("Flash")
	Toolchain = Phase("Toolchain")
	Store     = Phase("Store")
	Main      = Phase("Main")

	SubtaskIDNone = "-1"
)

const (
	// DefaultLogLevel is the default global verbosity
	DefaultLogLevel = logrus.WarnLevel

	// DefaultConfigDir is the directory under the user home that holds
	// imagegen state by default.
	DefaultConfigDir = ".imagegen"

	// DefaultDownloadBase is the upstream server publishing image-builder
	// archives and their sha256sums.
	DefaultDownloadBase = "https://downloads.openwrt.org"
)
