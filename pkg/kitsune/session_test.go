// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin.kitsune")

	size := uint64(1024)
	s := newSession("http://example.com/f.bin", filepath.Join(dir, "out.bin"), 4)
	s.TotalSize = &size
	s.Parts = partition(size, 4)
	s.State = StateDownloading
	s.Parts[0].CurrentByte = 100

	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, s.URL, loaded.URL)
	require.Equal(t, s.OutputPath, loaded.OutputPath)
	require.Equal(t, *s.TotalSize, *loaded.TotalSize)
	require.Equal(t, s.Parts, loaded.Parts)
	require.Equal(t, sidecarVersion, loaded.Version)
}

func TestSessionSaveLoadRoundTripErrorState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin.kitsune")

	s := newSession("http://example.com/f.bin", filepath.Join(dir, "out.bin"), 1)
	s.State = NewErrorState("connection refused")

	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.State.IsError())
	require.Equal(t, "connection refused", loaded.State.Message())
}

func TestStateWireFormat(t *testing.T) {
	bareCases := map[State]string{
		StatePending:     `"Pending"`,
		StateDownloading: `"Downloading"`,
		StatePaused:      `"Paused"`,
		StateCompleted:   `"Completed"`,
	}
	for state, want := range bareCases {
		data, err := json.Marshal(state)
		require.NoError(t, err)
		require.JSONEq(t, want, string(data))
	}

	data, err := json.Marshal(NewErrorState("disk full"))
	require.NoError(t, err)
	require.JSONEq(t, `{"Error": "disk full"}`, string(data))

	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.IsError())
	require.Equal(t, "disk full", decoded.Message())

	var decodedBare State
	require.NoError(t, json.Unmarshal([]byte(`"Paused"`), &decodedBare))
	require.Equal(t, StatePaused, decodedBare)
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin.kitsune")

	s := newSession("http://example.com/f.bin", filepath.Join(dir, "out.bin"), 1)
	s.Version = sidecarVersion + 1
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadRejectsCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin.kitsune")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.kitsune"))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestSessionIncompleteAndNextPartID(t *testing.T) {
	s := newSession("http://example.com/f.bin", "/tmp/out.bin", 2)
	s.Parts = []DownloadPart{
		{ID: 0, StartByte: 0, EndByte: 99, CurrentByte: 100, Completed: true},
		{ID: 1, StartByte: 100, EndByte: 199, CurrentByte: 150},
	}
	require.True(t, s.incomplete())
	require.Equal(t, uint16(2), s.nextPartID())

	s.Parts[1].Completed = true
	require.False(t, s.incomplete())
}

func TestDownloadPartRemaining(t *testing.T) {
	p := DownloadPart{StartByte: 0, EndByte: 99, CurrentByte: 50}
	require.Equal(t, uint64(50), p.remaining())

	p.CurrentByte = 100
	require.Equal(t, uint64(0), p.remaining())
}

