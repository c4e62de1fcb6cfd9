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

// Package canonical maps heterogeneous build inputs to a single byte
// sequence and a strong content hash. Two structurally equal inputs always
// produce identical bytes: map keys are emitted in byte-lexicographic
// order, lists keep source order, strings are normalized to UTF-8 NFC, and
// absent fields are omitted by construction.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/openwrt-tools/imagegen/pkg/imagegen/errors"
)

// SchemaVersion tags every snapshot. Bumping it invalidates all previously
// recorded cache keys by construction.
const SchemaVersion = 1

// Marshal returns the canonical byte sequence for v, wrapped in the
// versioned schema envelope.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"schema_version":`)
	buf.WriteString(strconv.Itoa(SchemaVersion))
	buf.WriteString(`,"inputs":`)
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Key returns the hex SHA-256 digest of the canonical bytes of v.
func Key(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SortedSet copies, sorts and deduplicates a string set so that ordering
// noise in the input cannot leak into the canonical form.
func SortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case []string:
		buf.WriteByte('[')
		for i, s := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			if !utf8.ValidString(k) {
				return errors.New(errors.Validation, "map key is not valid UTF-8")
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if t[k] == nil {
				// absent fields are omitted
				continue
			}
			if i > 0 && buf.Bytes()[buf.Len()-1] != '{' {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.New(errors.Validation, "value of type %T is not representable in a canonical snapshot", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return errors.New(errors.Validation, "string field is not valid UTF-8")
	}
	b, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
