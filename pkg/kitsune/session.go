// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// sidecarVersion is bumped whenever the on-disk sidecar layout changes in a
// way that makes older files unsafe to resume from.
const sidecarVersion = 1

// State is the lifecycle state of a DownloadSession: Pending, Downloading,
// Paused, Completed, or Error carrying a message. On the wire it serializes
// as the bare state name for every kind except Error, which serializes as
// the tagged object {"Error": "<message>"}.
type State struct {
	kind    string
	message string
}

const (
	kindPending     = "Pending"
	kindDownloading = "Downloading"
	kindPaused      = "Paused"
	kindCompleted   = "Completed"
	kindError       = "Error"
)

var (
	StatePending     = State{kind: kindPending}
	StateDownloading = State{kind: kindDownloading}
	StatePaused      = State{kind: kindPaused}
	StateCompleted   = State{kind: kindCompleted}
)

// NewErrorState builds the Error state carrying msg as its detail.
func NewErrorState(msg string) State {
	return State{kind: kindError, message: msg}
}

// IsError reports whether s is the Error state.
func (s State) IsError() bool {
	return s.kind == kindError
}

// Message returns the error detail carried by an Error state, or "" for
// any other state.
func (s State) Message() string {
	return s.message
}

// String renders the state name, e.g. "Error: connection refused" for the
// Error state.
func (s State) String() string {
	if s.kind == kindError && s.message != "" {
		return s.kind + ": " + s.message
	}
	return s.kind
}

// MarshalJSON implements the sidecar's documented union: a bare string for
// every state except Error, which is the tagged object {"Error": <string>}.
func (s State) MarshalJSON() ([]byte, error) {
	if s.kind == kindError {
		return json.Marshal(map[string]string{kindError: s.message})
	}
	return json.Marshal(s.kind)
}

// UnmarshalJSON accepts either a bare state-name string or {"Error": <string>}.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.kind = name
		s.message = ""
		return nil
	}

	var tagged map[string]string
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	msg, ok := tagged[kindError]
	if !ok {
		return fmt.Errorf("state: unrecognized tagged value %s", data)
	}
	s.kind = kindError
	s.message = msg
	return nil
}

// DownloadPart is a contiguous byte interval of the output file assigned to
// one worker at one time. id is unique within a session: the original
// partition assigns 0..N-1, and stolen parts receive fresh, monotonically
// increasing ids.
//
// Invariant: StartByte <= CurrentByte <= EndByte+1. Parts never overlap at
// any instant, and the union of [CurrentByte, EndByte] over all incomplete
// parts is exactly the set of bytes not yet written to disk.
type DownloadPart struct {
	ID          uint16 `json:"id"`
	StartByte   uint64 `json:"start_byte"`
	EndByte     uint64 `json:"end_byte"`
	CurrentByte uint64 `json:"current_byte"`
	Completed   bool   `json:"completed"`
}

// remaining returns the number of bytes this part still has left to fetch.
func (p DownloadPart) remaining() uint64 {
	if p.CurrentByte > p.EndByte {
		return 0
	}
	return p.EndByte - p.CurrentByte + 1
}

// DownloadSession is the full persistent state of one download. It is
// created by a Downloader's InitDownload and mutated only by the
// Downloader's Run loop — workers never touch it directly.
type DownloadSession struct {
	Version     int            `json:"version"`
	URL         string         `json:"url"`
	OutputPath  string         `json:"output_path"`
	TotalSize   *uint64        `json:"total_size"`
	State       State          `json:"state"`
	Parts       []DownloadPart `json:"parts"`
	Connections uint8          `json:"connections"`
}

// newSession builds an empty, Pending session.
func newSession(url, outputPath string, connections uint8) *DownloadSession {
	return &DownloadSession{
		Version:     sidecarVersion,
		URL:         url,
		OutputPath:  outputPath,
		State:       StatePending,
		Connections: connections,
	}
}

// incomplete reports whether any part is not yet marked completed.
func (s *DownloadSession) incomplete() bool {
	for _, p := range s.Parts {
		if !p.Completed {
			return true
		}
	}
	return false
}

// nextPartID returns an id higher than every id currently in use, for
// allocating stolen parts.
func (s *DownloadSession) nextPartID() uint16 {
	var max uint16
	for _, p := range s.Parts {
		if p.ID > max {
			max = p.ID
		}
	}
	return max + 1
}

// Save writes the full session state to path as pretty-printed JSON. It
// writes to a temp file in the same directory and renames over the
// destination so a crash mid-write never leaves a corrupt sidecar in its
// place; the write is not fsynced; losing the last second of progress is
// acceptable; a resume simply re-fetches those bytes.
//
// Concurrent Save/Load calls against the same path (e.g. two processes
// pointed at the same output) are serialized with an advisory file lock so
// they don't interleave writes; this is not a substitute for the
// single-coordinator-per-session rule the engine otherwise relies on.
func (s *DownloadSession) Save(path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock sidecar: %v", ErrIO, err)
	}
	defer lock.Unlock()

	s.Version = sidecarVersion

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal session: %v", ErrIO, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write sidecar: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename sidecar: %v", ErrIO, err)
	}
	return nil
}

// Load reads and parses a session sidecar. It returns ErrCorrupted if the
// file is malformed, version-mismatched, or absent.
func Load(path string) (*DownloadSession, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("%w: lock sidecar: %v", ErrIO, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	var s DownloadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrCorrupted, err)
	}
	if s.Version != sidecarVersion {
		return nil, fmt.Errorf("%w: sidecar version %d unsupported (want %d)", ErrCorrupted, s.Version, sidecarVersion)
	}
	return &s, nil
}

// SidecarPath returns the conventional sidecar path for an output file.
func SidecarPath(outputPath string) string {
	return outputPath + ".kitsune"
}

// RemoveSidecar deletes the sidecar file for a completed download. Callers
// are expected to call this after Run reports a Completed session; it is
// not done automatically since some embedders want to keep history.
func RemoveSidecar(outputPath string) error {
	path := SidecarPath(outputPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove sidecar: %v", ErrIO, err)
	}
	_ = os.Remove(path + ".lock")
	return nil
}

// DownloadedBytes sums CurrentByte-StartByte across all parts, used to seed
// a resumed progress display.
func (s *DownloadSession) DownloadedBytes() uint64 {
	var n uint64
	for _, p := range s.Parts {
		n += p.CurrentByte - p.StartByte
	}
	return n
}

// ensureOutputDir makes sure the parent directory of the output path exists.
func ensureOutputDir(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output directory: %v", ErrIO, err)
	}
	return nil
}
