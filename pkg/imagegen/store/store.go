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

// Package store persists profiles, toolchains, builds, artifacts and flash
// records. The backend is a single-writer embedded store; every read runs
// in its own transaction and observes a consistent snapshot, so readers
// never see a torn status during a terminal transition.
package store

import (
	"time"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
)

type ToolchainState string

const (
	ToolchainPending    = ToolchainState("pending")
	ToolchainReady      = ToolchainState("ready")
	ToolchainBroken     = ToolchainState("broken")
	ToolchainDeprecated = ToolchainState("deprecated")
)

type BuildStatus string

const (
	BuildPending   = BuildStatus("pending")
	BuildRunning   = BuildStatus("running")
	BuildSucceeded = BuildStatus("succeeded")
	BuildFailed    = BuildStatus("failed")
)

type FlashStatus string

const (
	FlashPending   = FlashStatus("pending")
	FlashRunning   = FlashStatus("running")
	FlashSucceeded = FlashStatus("succeeded")
	FlashFailed    = FlashStatus("failed")
)

// StructuredError is the persisted form of a taxonomy error.
type StructuredError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	LogPath string                 `json:"log_path,omitempty"`
}

// ProfileRecord wraps a profile with store metadata. Mutating a profile
// bumps Version; the recipe itself is immutable per version.
type ProfileRecord struct {
	Profile      profile.Profile `json:"profile"`
	Version      int             `json:"version"`
	SnapshotHash string          `json:"snapshot_hash"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Toolchain is one cached image-builder instance, keyed by
// (release, target, subtarget). Only a ready instance may be used to build.
type Toolchain struct {
	Release       string         `json:"release"`
	Target        string         `json:"target"`
	Subtarget     string         `json:"subtarget"`
	URL           string         `json:"url"`
	ArchivePath   string         `json:"archive_path,omitempty"`
	RootDir       string         `json:"root_dir,omitempty"`
	ArchiveSHA256 string         `json:"archive_sha256,omitempty"`
	SigVerified   bool           `json:"sig_verified"`
	State         ToolchainState `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	FirstUsedAt   time.Time      `json:"first_used_at,omitempty"`
	LastUsedAt    time.Time      `json:"last_used_at,omitempty"`
}

// Key returns the composite cache key of the instance.
func (t *Toolchain) Key() string {
	return t.Release + "/" + t.Target + "/" + t.Subtarget
}

// Build is one attempted build. Records never change once they reach a
// terminal status.
type Build struct {
	ID                  uint64          `json:"id"`
	ProfileID           string          `json:"profile_id"`
	ProfileSnapshotHash string          `json:"profile_snapshot_hash"`
	ToolchainKey        string          `json:"toolchain_key"`
	InputSnapshot       []byte          `json:"input_snapshot"`
	CacheKey            string          `json:"cache_key"`
	Status              BuildStatus     `json:"status"`
	RequestedAt         time.Time       `json:"requested_at"`
	StartedAt           time.Time       `json:"started_at,omitempty"`
	FinishedAt          time.Time       `json:"finished_at,omitempty"`
	WorkDir             string          `json:"work_dir,omitempty"`
	LogPath             string          `json:"log_path,omitempty"`
	Error               *StructuredError `json:"error,omitempty"`
}

// Duration reports the run time of a finished build.
func (b *Build) Duration() time.Duration {
	if b.StartedAt.IsZero() || b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Artifact is one output file of a succeeded build, content-addressed by
// SHA-256. (BuildID, Filename) is unique.
type Artifact struct {
	ID        uint64   `json:"id"`
	BuildID   uint64   `json:"build_id"`
	Kind      string   `json:"kind"`
	Filename  string   `json:"filename"`
	RelPath   string   `json:"rel_path"`
	SizeBytes int64    `json:"size_bytes"`
	SHA256    string   `json:"sha256"`
	Labels    []string `json:"labels,omitempty"`
}

// Flash is one write attempt against a block device.
type Flash struct {
	ID           uint64           `json:"id"`
	ArtifactID   uint64           `json:"artifact_id,omitempty"`
	BuildID      uint64           `json:"build_id,omitempty"`
	ImagePath    string           `json:"image_path"`
	DevicePath   string           `json:"device_path"`
	DeviceModel  string           `json:"device_model,omitempty"`
	DeviceSerial string           `json:"device_serial,omitempty"`
	Status       FlashStatus      `json:"status"`
	Wiped        bool             `json:"wiped"`
	BytesWritten int64            `json:"bytes_written"`
	VerifyMode   string           `json:"verify_mode"`
	VerifyResult string           `json:"verify_result"`
	DryRun       bool             `json:"dry_run"`
	Suspect      bool             `json:"suspect"`
	LogPath      string           `json:"log_path,omitempty"`
	Error        *StructuredError `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
	FinishedAt   time.Time        `json:"finished_at,omitempty"`
}

// ProfileFilter narrows ListProfiles. Zero values match everything.
type ProfileFilter struct {
	Release   string
	Target    string
	Subtarget string
	Tag       string
	Query     string
}

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	ProfileID string
	Status    BuildStatus
	Limit     int
}

// FlashFilter narrows ListFlashes.
type FlashFilter struct {
	Status     FlashStatus
	ArtifactID uint64
	Limit      int
}

// Interface is the query surface the engines consume.
type Interface interface {
	UpsertProfile(p *profile.Profile) (*ProfileRecord, bool, error)
	GetProfile(id string) (*ProfileRecord, error)
	ListProfiles(f ProfileFilter) ([]ProfileRecord, error)
	DeleteProfile(id string) error

	PutToolchain(t *Toolchain) error
	GetToolchain(release, target, subtarget string) (*Toolchain, error)
	ListToolchains(state ToolchainState) ([]Toolchain, error)
	DeleteToolchain(release, target, subtarget string) error

	CreateBuild(b *Build) error
	UpdateBuild(b *Build) error
	GetBuild(id uint64) (*Build, error)
	LatestSucceededBuild(cacheKey string) (*Build, error)
	ListBuilds(f BuildFilter) ([]Build, error)

	CreateArtifact(a *Artifact) error
	GetArtifact(id uint64) (*Artifact, error)
	ListArtifacts(buildID uint64) ([]Artifact, error)

	CreateFlash(f *Flash) error
	UpdateFlash(f *Flash) error
	GetFlash(id uint64) (*Flash, error)
	ListFlashes(f FlashFilter) ([]Flash, error)

	Close() error
}
