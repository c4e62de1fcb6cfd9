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

package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/canonical"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
	"github.com/openwrt-tools/imagegen/pkg/imagegen/profile"
)

var (
	bucketProfiles   = []byte("profiles")
	bucketToolchains = []byte("toolchains")
	bucketBuilds     = []byte("builds")
	bucketArtifacts  = []byte("artifacts")
	bucketFlashes    = []byte("flashes")

	// cacheKey + 0x00 + big-endian build id -> nil, written only when a
	// build reaches succeeded. The last entry under a key prefix is the
	// latest succeeded build.
	bucketCacheIndex = []byte("idx_build_cache")

	// big-endian build id + 0x00 + filename -> big-endian artifact id.
	// Doubles as the (build, filename) uniqueness check.
	bucketArtifactIndex = []byte("idx_artifact_build")
)

// Bolt is the embedded store implementation.
type Bolt struct {
	db *bolt.DB
}

var _ Interface = (*Bolt)(nil)

// Open opens or creates the store file, creating parent directories as
// needed.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.Precondition, "creating state directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, errors.Precondition, "opening state store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProfiles, bucketToolchains, bucketBuilds, bucketArtifacts, bucketFlashes, bucketCacheIndex, bucketArtifactIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Precondition, "initializing state store")
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func itob(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// UpsertProfile stores a validated profile. An existing record with the
// same id is replaced and its version bumped; an identical snapshot is a
// no-op that still reports created=false.
func (s *Bolt) UpsertProfile(p *profile.Profile) (*ProfileRecord, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	hash, err := canonical.Key(p.Snapshot())
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	rec := ProfileRecord{Profile: *p, Version: 1, SnapshotHash: hash, CreatedAt: now, UpdatedAt: now}
	created := true

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if prev := b.Get([]byte(p.ID)); prev != nil {
			var old ProfileRecord
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			created = false
			if old.SnapshotHash == hash {
				rec = old
				return nil
			}
			rec.Version = old.Version + 1
			rec.CreatedAt = old.CreatedAt
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, errors.Precondition, "storing profile %s", p.ID)
	}
	return &rec, created, nil
}

func (s *Bolt) GetProfile(id string) (*ProfileRecord, error) {
	var rec ProfileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(id))
		if data == nil {
			return errors.New(errors.NotFound, "profile %q not found", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Bolt) ListProfiles(f ProfileFilter) ([]ProfileRecord, error) {
	var out []ProfileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(_, data []byte) error {
			var rec ProfileRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if matchProfile(&rec.Profile, f) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchProfile(p *profile.Profile, f ProfileFilter) bool {
	if f.Release != "" && p.Release != f.Release {
		return false
	}
	if f.Target != "" && p.Target != f.Target {
		return false
	}
	if f.Subtarget != "" && p.Subtarget != f.Subtarget {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range p.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(p.ID), q) &&
			!strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.DeviceID), q) {
			return false
		}
	}
	return true
}

func (s *Bolt) DeleteProfile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if b.Get([]byte(id)) == nil {
			return errors.New(errors.NotFound, "profile %q not found", id)
		}
		return b.Delete([]byte(id))
	})
}

// PutToolchain upserts the record keyed by (release, target, subtarget).
func (s *Bolt) PutToolchain(t *Toolchain) error {
	if t.Release == "" || t.Target == "" || t.Subtarget == "" {
		return errors.New(errors.Validation, "toolchain key is incomplete")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketToolchains).Put([]byte(t.Key()), data)
	})
}

func (s *Bolt) GetToolchain(release, target, subtarget string) (*Toolchain, error) {
	key := release + "/" + target + "/" + subtarget
	var t Toolchain
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketToolchains).Get([]byte(key))
		if data == nil {
			return errors.New(errors.NotFound, "toolchain %s not found", key)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Bolt) ListToolchains(state ToolchainState) ([]Toolchain, error) {
	var out []Toolchain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketToolchains).ForEach(func(_, data []byte) error {
			var t Toolchain
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if state == "" || t.State == state {
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) DeleteToolchain(release, target, subtarget string) error {
	key := release + "/" + target + "/" + subtarget
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketToolchains)
		if b.Get([]byte(key)) == nil {
			return errors.New(errors.NotFound, "toolchain %s not found", key)
		}
		return b.Delete([]byte(key))
	})
}

// CreateBuild assigns a monotonic id and stores the record.
func (s *Bolt) CreateBuild(b *Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBuilds)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		b.ID = id
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return bucket.Put(itob(id), data)
	})
}

// UpdateBuild replaces the stored record. The terminal transition and the
// cache index write happen in one transaction, so a concurrent lookup sees
// either nothing or the finished build.
func (s *Bolt) UpdateBuild(b *Build) error {
	if b.ID == 0 {
		return errors.New(errors.Validation, "build has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBuilds)
		if bucket.Get(itob(b.ID)) == nil {
			return errors.New(errors.NotFound, "build %d not found", b.ID)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(b.ID), data); err != nil {
			return err
		}
		if b.Status == BuildSucceeded && b.CacheKey != "" {
			return tx.Bucket(bucketCacheIndex).Put(cacheIndexKey(b.CacheKey, b.ID), nil)
		}
		return nil
	})
}

func cacheIndexKey(cacheKey string, id uint64) []byte {
	key := make([]byte, 0, len(cacheKey)+9)
	key = append(key, cacheKey...)
	key = append(key, 0)
	return append(key, itob(id)...)
}

func (s *Bolt) GetBuild(id uint64) (*Build, error) {
	var b Build
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuilds).Get(itob(id))
		if data == nil {
			return errors.New(errors.NotFound, "build %d not found", id)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LatestSucceededBuild returns the succeeded build with the highest id for
// the cache key, or nil when none exists.
func (s *Bolt) LatestSucceededBuild(cacheKey string) (*Build, error) {
	var b *Build
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append([]byte(cacheKey), 0)
		c := tx.Bucket(bucketCacheIndex).Cursor()

		// The index holds only succeeded builds, so the last entry under the
		// prefix is the latest one.
		var lastID uint64
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			lastID = binary.BigEndian.Uint64(k[len(prefix):])
		}
		if lastID == 0 {
			return nil
		}
		data := tx.Bucket(bucketBuilds).Get(itob(lastID))
		if data == nil {
			return errors.New(errors.CacheConflict, "cache index references missing build %d", lastID)
		}
		var found Build
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		b = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBuilds returns builds newest-first.
func (s *Bolt) ListBuilds(f BuildFilter) ([]Build, error) {
	var out []Build
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuilds).Cursor()
		for k, data := c.Last(); k != nil; k, data = c.Prev() {
			var b Build
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			if f.ProfileID != "" && b.ProfileID != f.ProfileID {
				continue
			}
			if f.Status != "" && b.Status != f.Status {
				continue
			}
			out = append(out, b)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateArtifact stores one build output. A second artifact with the same
// (build, filename) is refused.
func (s *Bolt) CreateArtifact(a *Artifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBuilds).Get(itob(a.BuildID)) == nil {
			return errors.New(errors.NotFound, "build %d not found", a.BuildID)
		}
		idx := tx.Bucket(bucketArtifactIndex)
		idxKey := artifactIndexKey(a.BuildID, a.Filename)
		if idx.Get(idxKey) != nil {
			return errors.New(errors.Validation, "artifact %q already recorded for build %d", a.Filename, a.BuildID)
		}

		bucket := tx.Bucket(bucketArtifacts)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		a.ID = id
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(id), data); err != nil {
			return err
		}
		return idx.Put(idxKey, itob(id))
	})
}

func artifactIndexKey(buildID uint64, filename string) []byte {
	key := make([]byte, 0, 9+len(filename))
	key = append(key, itob(buildID)...)
	key = append(key, 0)
	return append(key, filename...)
}

func (s *Bolt) GetArtifact(id uint64) (*Artifact, error) {
	var a Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get(itob(id))
		if data == nil {
			return errors.New(errors.NotFound, "artifact %d not found", id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Bolt) ListArtifacts(buildID uint64) ([]Artifact, error) {
	var out []Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append(itob(buildID), 0)
		c := tx.Bucket(bucketArtifactIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := tx.Bucket(bucketArtifacts).Get(v)
			if data == nil {
				return errors.New(errors.CacheConflict, "artifact index references missing artifact")
			}
			var a Artifact
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) CreateFlash(f *Flash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFlashes)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		f.ID = id
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return bucket.Put(itob(id), data)
	})
}

func (s *Bolt) UpdateFlash(f *Flash) error {
	if f.ID == 0 {
		return errors.New(errors.Validation, "flash record has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFlashes)
		if bucket.Get(itob(f.ID)) == nil {
			return errors.New(errors.NotFound, "flash record %d not found", f.ID)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return bucket.Put(itob(f.ID), data)
	})
}

func (s *Bolt) GetFlash(id uint64) (*Flash, error) {
	var f Flash
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFlashes).Get(itob(id))
		if data == nil {
			return errors.New(errors.NotFound, "flash record %d not found", id)
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFlashes returns flash records newest-first.
func (s *Bolt) ListFlashes(f FlashFilter) ([]Flash, error) {
	var out []Flash
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFlashes).Cursor()
		for k, data := c.Last(); k != nil; k, data = c.Prev() {
			var rec Flash
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if f.Status != "" && rec.Status != f.Status {
				continue
			}
			if f.ArtifactID != 0 && rec.ArtifactID != f.ArtifactID {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
