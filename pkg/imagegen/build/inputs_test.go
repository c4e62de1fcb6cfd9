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
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/store"
	"github.com/openwrt-tools/imagegen/testutil"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		ID:             "ap-livingroom",
		Name:           "Living room AP",
		DeviceID:       "tplink_archer-c7-v5",
		Release:        "23.05.3",
		Target:         "ath79",
		Subtarget:      "generic",
		BuilderProfile: "tplink_archer-c7-v5",
		Packages:       []string{"luci", "wireguard-tools"},
		PackagesRemove: []string{"ppp", "ppp-mod-pppoe"},
	}
}

func testToolchain() *store.Toolchain {
	return &store.Toolchain{
		Release:       "23.05.3",
		Target:        "ath79",
		Subtarget:     "generic",
		ArchiveSHA256: "deadbeef",
		State:         store.ToolchainReady,
	}
}

func TestEffectivePackages(t *testing.T) {
	tests := []struct {
		description string
		declared    []string
		removed     []string
		extra       []string
		extraRemove []string
		expected    []string
	}{
		{
			description: "removals come last with a dash",
			declared:    []string{"luci", "vim"},
			removed:     []string{"ppp"},
			expected:    []string{"luci", "vim", "-ppp"},
		},
		{
			description: "declaration order is preserved",
			declared:    []string{"zz", "aa", "mm"},
			expected:    []string{"zz", "aa", "mm"},
		},
		{
			description: "duplicates keep the first occurrence",
			declared:    []string{"luci", "vim", "luci"},
			extra:       []string{"vim", "tmux"},
			expected:    []string{"luci", "vim", "tmux"},
		},
		{
			description: "removal already prefixed is not doubled",
			removed:     []string{"-ppp"},
			expected:    []string{"-ppp"},
		},
		{
			description: "per-build removals follow the profile's",
			declared:    []string{"luci"},
			removed:     []string{"ppp"},
			extraRemove: []string{"odhcpd"},
			expected:    []string{"luci", "-ppp", "-odhcpd"},
		},
		{
			description: "duplicate removal across profile and build",
			removed:     []string{"ppp"},
			extraRemove: []string{"-ppp"},
			expected:    []string{"-ppp"},
		},
		{
			description: "empty everything",
			expected:    nil,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			p := &profile.Profile{Packages: test.declared, PackagesRemove: test.removed}
			got := EffectivePackages(p, test.extra, test.extraRemove)
			testutil.CheckDeepEqual(t, test.expected, got, testutil.EquateEmpty())
		})
	}
}

func TestCacheKeyDeterminism(t *testing.T) {
	p := testProfile()
	tc := testToolchain()

	keyA, _, err := CacheKey(Snapshot(p, tc, "abc123", Options{}))
	testutil.CheckError(t, false, err)
	keyB, _, err := CacheKey(Snapshot(testProfile(), testToolchain(), "abc123", Options{}))
	testutil.CheckError(t, false, err)

	if keyA != keyB {
		t.Errorf("identical inputs produced different cache keys: %s vs %s", keyA, keyB)
	}
}

func TestCacheKeySensitivity(t *testing.T) {
	base, _, err := CacheKey(Snapshot(testProfile(), testToolchain(), "abc123", Options{}))
	testutil.CheckError(t, false, err)

	tests := []struct {
		description string
		profile     *profile.Profile
		toolchain   *store.Toolchain
		overlayHash string
		opts        Options
		wantSameKey bool
	}{
		{
			description: "force rebuild does not enter the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{ForceRebuild: true},
			wantSameKey: true,
		},
		{
			description: "keep build dir does not enter the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{KeepBuildDir: true},
			wantSameKey: true,
		},
		{
			description: "initramfs changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{Initramfs: true},
		},
		{
			description: "extra package changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{ExtraPackages: []string{"tcpdump"}},
		},
		{
			description: "extra package removal changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{ExtraPackagesRemove: []string{"odhcpd"}},
		},
		{
			description: "image-name override changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{ExtraImageName: "lab"},
		},
		{
			description: "bin-dir override changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
			opts:        Options{BinDir: "/srv/images"},
		},
		{
			description: "overlay content changes the key",
			profile:     testProfile(),
			toolchain:   testToolchain(),
			overlayHash: "def456",
		},
		{
			description: "toolchain archive digest changes the key",
			profile:     testProfile(),
			toolchain: func() *store.Toolchain {
				tc := testToolchain()
				tc.ArchiveSHA256 = "cafe"
				return tc
			}(),
			overlayHash: "abc123",
		},
		{
			description: "package order changes the key",
			profile: func() *profile.Profile {
				p := testProfile()
				p.Packages = []string{"wireguard-tools", "luci"}
				return p
			}(),
			toolchain:   testToolchain(),
			overlayHash: "abc123",
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			key, _, err := CacheKey(Snapshot(test.profile, test.toolchain, test.overlayHash, test.opts))
			testutil.CheckError(t, false, err)
			if same := key == base; same != test.wantSameKey {
				t.Errorf("wantSameKey=%t but key equality is %t", test.wantSameKey, same)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yes := true
	p := testProfile()
	p.BuildDefaults = &profile.BuildDefaults{Initramfs: &yes, KeepBuildDir: &yes}

	opts := Options{}.ApplyDefaults(p)

	testutil.CheckDeepEqual(t, true, opts.Initramfs)
	testutil.CheckDeepEqual(t, true, opts.KeepBuildDir)
	testutil.CheckDeepEqual(t, false, opts.ForceRebuild)
}

func TestRunnerArgs(t *testing.T) {
	p := testProfile()
	p.ExtraImageName = "lab"
	p.DisabledServices = []string{"dnsmasq", "firewall"}
	p.RootfsPartsize = 256
	p.AddLocalKey = true

	args := runnerArgs(p, Options{Initramfs: true}, "/work/files", "/out/bin")

	expected := []string{
		"image",
		"PROFILE=tplink_archer-c7-v5",
		"PACKAGES=luci wireguard-tools -ppp -ppp-mod-pppoe",
		"FILES=/work/files",
		"BIN_DIR=/out/bin",
		"EXTRA_IMAGE_NAME=lab",
		"DISABLED_SERVICES=dnsmasq firewall",
		"ROOTFS_PARTSIZE=256",
		"ADD_LOCAL_KEY=1",
		"INITRAMFS=1",
	}
	testutil.CheckDeepEqual(t, expected, args)
}

func TestRunnerArgsOptionOverrides(t *testing.T) {
	p := testProfile()
	p.ExtraImageName = "lab"

	args := runnerArgs(p, Options{ExtraImageName: "staging", ExtraPackagesRemove: []string{"odhcpd"}}, "", "/out/bin")

	expected := []string{
		"image",
		"PROFILE=tplink_archer-c7-v5",
		"PACKAGES=luci wireguard-tools -ppp -ppp-mod-pppoe -odhcpd",
		"BIN_DIR=/out/bin",
		"EXTRA_IMAGE_NAME=staging",
	}
	testutil.CheckDeepEqual(t, expected, args)
}
