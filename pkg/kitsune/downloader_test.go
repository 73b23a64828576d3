// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rangeServer serves content as a static byte slice, honoring Range headers
// on GET and reporting Accept-Ranges/Content-Length on HEAD. failFirstN, if
// set, makes the first n GET requests return status instead of content.
type rangeServer struct {
	content    []byte
	noRanges   bool
	failStatus int
	failFirstN int32
	failed     atomic.Int32
}

func (s *rangeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(s.content)))
			if !s.noRanges {
				w.Header().Set("Accept-Ranges", "bytes")
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.failFirstN > 0 && s.failed.Add(1) <= s.failFirstN {
			w.WriteHeader(s.failStatus)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" || s.noRanges {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(s.content)
			return
		}

		var start, end uint64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(s.content)
			return
		}
		if end >= uint64(len(s.content)) {
			end = uint64(len(s.content)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(s.content[start : end+1])
	}
}

func makeContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRunHappyPathMultiConnection(t *testing.T) {
	content := makeContent(64 * 1024)
	srv := &rangeServer{content: content}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	d := New("kitsune-test/1.0")
	ctx := context.Background()

	session, err := d.InitDownload(ctx, ts.URL, out, 4)
	require.NoError(t, err)
	require.Len(t, session.Parts, 4)

	err = d.Run(ctx, session, nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, session.State)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRunSingleConnectionNoRangeSupport(t *testing.T) {
	content := makeContent(8 * 1024)
	srv := &rangeServer{content: content, noRanges: true}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	d := New("kitsune-test/1.0")
	ctx := context.Background()

	session, err := d.InitDownload(ctx, ts.URL, out, 4)
	require.NoError(t, err)
	require.Len(t, session.Parts, 1)
	require.Equal(t, uint8(1), session.Connections)

	require.NoError(t, d.Run(ctx, session, nil, "", nil))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	content := makeContent(4 * 1024)
	srv := &rangeServer{content: content, failStatus: http.StatusServiceUnavailable, failFirstN: 1}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	d := New("kitsune-test/1.0")
	ctx := context.Background()

	session, err := d.InitDownload(ctx, ts.URL, out, 1)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, d.Run(ctx, session, nil, "", nil))
	require.GreaterOrEqual(t, time.Since(start), workerBackoffInitial)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRunFailsAfterFatalStatus(t *testing.T) {
	content := makeContent(4 * 1024)
	srv := &rangeServer{content: content, failStatus: http.StatusForbidden, failFirstN: 1}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	d := New("kitsune-test/1.0")
	ctx := context.Background()

	session, err := d.InitDownload(ctx, ts.URL, out, 1)
	require.NoError(t, err)

	err = d.Run(ctx, session, nil, "", nil)
	require.ErrorIs(t, err, ErrWorkerFailed)
	require.True(t, session.State.IsError())
	require.Contains(t, session.State.Message(), "worker")
}

func TestInitDownloadFatalOn404(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	d := New("kitsune-test/1.0")
	_, err := d.InitDownload(context.Background(), ts.URL, "", 4)
	require.ErrorIs(t, err, ErrHTTPFatal)
}

func TestInitDownloadRejectsUnknownSize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := New("kitsune-test/1.0")
	_, err := d.InitDownload(context.Background(), ts.URL, "", 4)
	require.ErrorIs(t, err, ErrSizeUnknown)
}

func TestRunResumeAfterCancel(t *testing.T) {
	content := makeContent(256 * 1024)
	srv := &rangeServer{content: content}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	sidecar := SidecarPath(out)

	d := New("kitsune-test/1.0")
	ctx := context.Background()

	session, err := d.InitDownload(ctx, ts.URL, out, 4)
	require.NoError(t, err)

	cancel := make(chan struct{})
	close(cancel)
	err = d.Run(ctx, session, nil, sidecar, cancel)
	require.ErrorIs(t, err, ErrCancelled)

	resumed, err := Load(sidecar)
	require.NoError(t, err)
	require.NotEqual(t, StateCompleted, resumed.State)

	require.NoError(t, d.Run(ctx, resumed, nil, sidecar, nil))
	require.Equal(t, StateCompleted, resumed.State)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStealWorkSplitsSlowestIncompletePart(t *testing.T) {
	d := New("kitsune-test/1.0")
	session := newSession("http://example.com/f.bin", "/tmp/out.bin", 2)
	session.Parts = []DownloadPart{
		{ID: 0, StartByte: 0, EndByte: 10 * stealThreshold, CurrentByte: 0},
		{ID: 1, StartByte: 10*stealThreshold + 1, EndByte: 10*stealThreshold + 100, CurrentByte: 10*stealThreshold + 1, Completed: true},
	}
	controls := map[uint16]*control{
		0: {stopAt: &atomic.Uint64{}},
	}
	controls[0].stopAt.Store(session.Parts[0].EndByte)

	var spawned *DownloadPart
	spawn := func(p DownloadPart) { spawned = &p }

	d.stealWork(session, controls, spawn)

	require.NotNil(t, spawned)
	require.Equal(t, uint16(2), spawned.ID)
	require.Len(t, session.Parts, 3)
	require.Less(t, session.Parts[0].EndByte, uint64(10*stealThreshold))
	require.Equal(t, session.Parts[0].EndByte+1, spawned.StartByte)
	require.Equal(t, controls[0].stopAt.Load(), session.Parts[0].EndByte)
}

func TestStealWorkNoopBelowThreshold(t *testing.T) {
	d := New("kitsune-test/1.0")
	session := newSession("http://example.com/f.bin", "/tmp/out.bin", 1)
	session.Parts = []DownloadPart{
		{ID: 0, StartByte: 0, EndByte: 100, CurrentByte: 0},
	}
	controls := map[uint16]*control{}
	spawned := false
	spawn := func(DownloadPart) { spawned = true }

	d.stealWork(session, controls, spawn)
	require.False(t, spawned)
	require.Len(t, session.Parts, 1)
}

func TestPartitionClampsWhenConnectionsExceedSize(t *testing.T) {
	parts := partition(3, 8)
	require.Len(t, parts, 3)
	for i, p := range parts {
		require.Equal(t, uint64(i), p.StartByte)
		require.Equal(t, uint64(i), p.EndByte)
	}
}

func TestPartitionLastPartAbsorbsRemainder(t *testing.T) {
	parts := partition(10, 3)
	require.Len(t, parts, 3)
	require.Equal(t, uint64(9), parts[len(parts)-1].EndByte)

	var total uint64
	for _, p := range parts {
		total += p.EndByte - p.StartByte + 1
	}
	require.Equal(t, uint64(10), total)
}
