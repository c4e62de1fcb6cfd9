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

// Package logfile writes per-operation logs to disk while keeping a bounded
// in-memory tail for inline error reporting.
package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DefaultTailSize is the bound on the in-memory tail kept by a Logger.
const DefaultTailSize = 64 * 1024

// Logger captures an operation's combined output. Writes go to the backing
// file and to a bounded tail buffer.
type Logger struct {
	File *os.File
	tail *tailBuffer
}

// Create creates or truncates a log file at the joined path elements under
// dir.
func Create(dir string, path ...string) (*Logger, error) {
	logfile := dir
	for _, p := range path {
		logfile = filepath.Join(logfile, escape(p))
	}

	if err := os.MkdirAll(filepath.Dir(logfile), 0o700); err != nil {
		return nil, fmt.Errorf("unable to create log directory %q: %w", filepath.Dir(logfile), err)
	}

	f, err := os.OpenFile(logfile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{File: f, tail: newTailBuffer(DefaultTailSize)}, nil
}

var escapeRegexp = regexp.MustCompile(`[^a-zA-Z0-9-_.]`)

func escape(s string) string {
	return escapeRegexp.ReplaceAllString(s, "-")
}

func (l *Logger) Name() string {
	return l.File.Name()
}

func (l *Logger) Close() error {
	return l.File.Close()
}

func (l *Logger) Write(b []byte) (int, error) {
	l.tail.Write(b)
	return l.File.Write(b)
}

// Tail returns the last bytes written, bounded by DefaultTailSize.
func (l *Logger) Tail() []byte {
	return l.tail.Bytes()
}

// tailBuffer is a fixed-capacity ring over the most recent writes.
type tailBuffer struct {
	buf     []byte
	start   int
	wrapped bool
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, 0, size)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	max := cap(t.buf)
	if n >= max {
		t.buf = t.buf[:max]
		copy(t.buf, p[n-max:])
		t.start = 0
		t.wrapped = false
		return n, nil
	}
	for _, b := range p {
		if len(t.buf) < max {
			t.buf = append(t.buf, b)
		} else {
			t.buf[t.start] = b
			t.start = (t.start + 1) % max
			t.wrapped = true
		}
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	if !t.wrapped && t.start == 0 {
		out := make([]byte, len(t.buf))
		copy(out, t.buf)
		return out
	}
	out := make([]byte, 0, len(t.buf))
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return out
}
