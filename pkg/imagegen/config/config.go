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

// Package config holds the explicit configuration threaded into the core
// component constructors. There is no hidden global state: adapters build
// one Config and pass it down.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "IMAGEGEN_"

// Config carries every tunable the core engines consume.
type Config struct {
	// CacheRoot holds toolchain archives, extracted trees and build
	// working directories: <CacheRoot>/<release>/<target>/<subtarget>/.
	CacheRoot string

	// ArtifactsRoot holds build outputs:
	// <ArtifactsRoot>/<release>/<target>/<subtarget>/<profile>/<build>/.
	ArtifactsRoot string

	// StateDB is the path of the embedded state store file.
	StateDB string

	// DownloadBase is the upstream server for toolchain archives.
	DownloadBase string

	// Offline forbids toolchain downloads; Ensure may only return an
	// already-ready instance.
	Offline bool

	DownloadTimeout time.Duration
	BuildTimeout    time.Duration
	FlashTimeout    time.Duration

	// TermGrace is how long a subprocess gets between SIGTERM and SIGKILL.
	TermGrace time.Duration

	// BuildParallelism caps concurrent builds across cache keys.
	BuildParallelism int

	// FlashChunkSize is the write granularity against block devices.
	FlashChunkSize int

	// SignatureWipeBytes is the zeroed prefix written by wipe. The engine
	// enforces an 8 MiB floor.
	SignatureWipeBytes int64

	// VerifyMode is the default flash verification mode ("full" or
	// "prefix-<N>").
	VerifyMode string
}

// Default returns the built-in configuration rooted under the user's home.
func Default() (Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return Config{}, err
	}

	base := filepath.Join(home, constants.DefaultConfigDir)
	return Config{
		CacheRoot:          filepath.Join(base, "cache"),
		ArtifactsRoot:      filepath.Join(base, "artifacts"),
		StateDB:            filepath.Join(base, "state.db"),
		DownloadBase:       constants.DefaultDownloadBase,
		DownloadTimeout:    time.Hour,
		BuildTimeout:       time.Hour,
		FlashTimeout:       30 * time.Minute,
		TermGrace:          10 * time.Second,
		BuildParallelism:   2,
		FlashChunkSize:     4 * 1024 * 1024,
		SignatureWipeBytes: 8 * 1024 * 1024,
		VerifyMode:         "full",
	}, nil
}

// Load returns the default configuration with IMAGEGEN_* environment
// overrides applied. A .env file in the working directory is honored when
// present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Debugf("no .env loaded: %v", err)
	}

	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	stringVar(&cfg.CacheRoot, "CACHE_ROOT")
	stringVar(&cfg.ArtifactsRoot, "ARTIFACTS_ROOT")
	stringVar(&cfg.StateDB, "STATE_DB")
	stringVar(&cfg.DownloadBase, "DOWNLOAD_BASE")
	stringVar(&cfg.VerifyMode, "VERIFY_MODE")
	boolVar(&cfg.Offline, "OFFLINE")
	durationVar(&cfg.DownloadTimeout, "DOWNLOAD_TIMEOUT")
	durationVar(&cfg.BuildTimeout, "BUILD_TIMEOUT")
	durationVar(&cfg.FlashTimeout, "FLASH_TIMEOUT")
	durationVar(&cfg.TermGrace, "TERM_GRACE")
	intVar(&cfg.BuildParallelism, "BUILD_PARALLELISM")

	return cfg, nil
}

func stringVar(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func boolVar(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logrus.Warnf("ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = b
	}
}

func intVar(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			logrus.Warnf("ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = n
	}
}

func durationVar(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			logrus.Warnf("ignoring %s%s=%q: %v", EnvPrefix, key, v, err)
			return
		}
		*dst = d
	}
}
