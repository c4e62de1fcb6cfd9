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

package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/constants"
	"github.com/openwrt-tools/imagegen/testutil"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()

	testutil.CheckError(t, false, err)

	home, err := homedir.Dir()
	testutil.CheckError(t, false, err)
	base := filepath.Join(home, constants.DefaultConfigDir)

	testutil.CheckDeepEqual(t, filepath.Join(base, "cache"), cfg.CacheRoot)
	testutil.CheckDeepEqual(t, filepath.Join(base, "artifacts"), cfg.ArtifactsRoot)
	testutil.CheckDeepEqual(t, filepath.Join(base, "state.db"), cfg.StateDB)
	testutil.CheckDeepEqual(t, constants.DefaultDownloadBase, cfg.DownloadBase)
	testutil.CheckDeepEqual(t, false, cfg.Offline)
	testutil.CheckDeepEqual(t, time.Hour, cfg.BuildTimeout)
	testutil.CheckDeepEqual(t, "full", cfg.VerifyMode)
}

func TestLoadEnvOverrides(t *testing.T) {
	testutil.SetEnvs(t, map[string]string{
		"IMAGEGEN_CACHE_ROOT":        "/var/cache/imagegen",
		"IMAGEGEN_OFFLINE":           "true",
		"IMAGEGEN_BUILD_TIMEOUT":     "90m",
		"IMAGEGEN_BUILD_PARALLELISM": "4",
		"IMAGEGEN_VERIFY_MODE":       "prefix-16MiB",
	})

	cfg, err := Load()

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "/var/cache/imagegen", cfg.CacheRoot)
	testutil.CheckDeepEqual(t, true, cfg.Offline)
	testutil.CheckDeepEqual(t, 90*time.Minute, cfg.BuildTimeout)
	testutil.CheckDeepEqual(t, 4, cfg.BuildParallelism)
	testutil.CheckDeepEqual(t, "prefix-16MiB", cfg.VerifyMode)

	// Untouched values keep their defaults.
	if !strings.HasSuffix(cfg.StateDB, "state.db") {
		t.Errorf("unexpected state db path %q", cfg.StateDB)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	testutil.SetEnvs(t, map[string]string{
		"IMAGEGEN_OFFLINE":           "definitely",
		"IMAGEGEN_BUILD_TIMEOUT":     "soon",
		"IMAGEGEN_BUILD_PARALLELISM": "many",
	})

	cfg, err := Load()

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, false, cfg.Offline)
	testutil.CheckDeepEqual(t, time.Hour, cfg.BuildTimeout)
	testutil.CheckDeepEqual(t, 2, cfg.BuildParallelism)
}
