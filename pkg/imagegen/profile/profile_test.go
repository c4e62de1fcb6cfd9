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

package profile

import (
	"testing"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/testutil"
)

func validProfile() *Profile {
	return &Profile{
		ID:             "ap-livingroom",
		Name:           "Living room AP",
		DeviceID:       "tplink_archer-c7-v5",
		Release:        "23.05.3",
		Target:         "ath79",
		Subtarget:      "generic",
		BuilderProfile: "tplink_archer-c7-v5",
		Packages:       []string{"luci", "wireguard-tools"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		description string
		mutate      func(*Profile)
		shouldErr   bool
	}{
		{
			description: "valid profile",
			mutate:      func(*Profile) {},
		},
		{
			description: "id with slash",
			mutate:      func(p *Profile) { p.ID = "ap/livingroom" },
			shouldErr:   true,
		},
		{
			description: "empty id",
			mutate:      func(p *Profile) { p.ID = "" },
			shouldErr:   true,
		},
		{
			description: "missing name",
			mutate:      func(p *Profile) { p.Name = "" },
			shouldErr:   true,
		},
		{
			description: "missing subtarget",
			mutate:      func(p *Profile) { p.Subtarget = "" },
			shouldErr:   true,
		},
		{
			description: "missing builder profile",
			mutate:      func(p *Profile) { p.BuilderProfile = "" },
			shouldErr:   true,
		},
		{
			description: "package with whitespace",
			mutate:      func(p *Profile) { p.Packages = []string{"luci admin"} },
			shouldErr:   true,
		},
		{
			description: "empty tag",
			mutate:      func(p *Profile) { p.Tags = []string{"  "} },
			shouldErr:   true,
		},
		{
			description: "relative file destination",
			mutate: func(p *Profile) {
				p.Files = []FileSpec{{Source: "authorized_keys", Destination: "etc/dropbear/authorized_keys"}}
			},
			shouldErr: true,
		},
		{
			description: "bad file mode",
			mutate: func(p *Profile) {
				p.Files = []FileSpec{{Source: "a", Destination: "/etc/a", Mode: "99"}}
			},
			shouldErr: true,
		},
		{
			description: "file with mode and owner",
			mutate: func(p *Profile) {
				p.Files = []FileSpec{{Source: "a", Destination: "/etc/a", Mode: "0600", Owner: "root:root"}}
			},
		},
		{
			description: "unsupported filesystem",
			mutate: func(p *Profile) {
				p.Policies = &Policies{Filesystem: "btrfs"}
			},
			shouldErr: true,
		},
		{
			description: "snapshot without allow_snapshot",
			mutate:      func(p *Profile) { p.Release = "snapshot" },
			shouldErr:   true,
		},
		{
			description: "snapshot with allow_snapshot",
			mutate: func(p *Profile) {
				p.Release = "snapshot"
				allow := true
				p.Policies = &Policies{AllowSnapshot: &allow}
			},
		},
		{
			description: "negative rootfs partsize",
			mutate:      func(p *Profile) { p.RootfsPartsize = -8 },
			shouldErr:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			p := validProfile()
			test.mutate(p)

			err := p.Validate()

			testutil.CheckError(t, test.shouldErr, err)
			if test.shouldErr && !errors.IsCode(err, errors.Validation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		description string
		mode        string
		expected    uint32
		shouldErr   bool
	}{
		{description: "with leading zero", mode: "0644", expected: 0o644},
		{description: "without leading zero", mode: "755", expected: 0o755},
		{description: "setuid", mode: "4755", expected: 0o4755},
		{description: "not octal", mode: "rw-r--r--", shouldErr: true},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			got, err := ParseMode(test.mode)
			testutil.CheckErrorAndDeepEqual(t, test.shouldErr, err, test.expected, got)
		})
	}
}

func TestParseOwner(t *testing.T) {
	user, group, err := ParseOwner("root:wheel")
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "root", user)
	testutil.CheckDeepEqual(t, "wheel", group)

	_, _, err = ParseOwner("root")
	testutil.CheckError(t, true, err)
	_, _, err = ParseOwner("root:")
	testutil.CheckError(t, true, err)
}
