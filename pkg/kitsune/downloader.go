// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// stealThreshold is the minimum remaining bytes a live part must have
// before it becomes eligible for work stealing (spec: "provided that
// remaining exceeds 5 MiB").
const stealThreshold = 5 * 1024 * 1024

// progressChanCapacity is the bounded, many-producer/single-consumer
// channel size workers send progress messages on.
const progressChanCapacity = 100

// observerInterval is the minimum spacing between throttled progress events
// the coordinator forwards to the attached Observer. The timer is shared by
// all workers; a worker's completion is forwarded immediately regardless.
const observerInterval = 50 * time.Millisecond

// sidecarSaveInterval is the coordinator's session-persistence cadence.
const sidecarSaveInterval = time.Second

// recvTimeout bounds each iteration of the coordinator's event loop so it
// can still check for cancellation and the save cadence when no worker has
// anything to report.
const recvTimeout = time.Second

// Downloader drives download sessions: it performs the HEAD probe, decides
// how to partition, spawns workers, aggregates progress, persists session
// snapshots, performs work stealing, and drives a session to completion,
// pause, or failure.
type Downloader struct {
	client *http.Client
	log    *logrus.Logger
}

// New creates a Downloader that identifies itself with userAgent on every
// request.
func New(userAgent string) *Downloader {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return &Downloader{
		client: newClientWithUserAgent(userAgent),
		log:    log,
	}
}

// SetLogger replaces the Downloader's logger, letting an embedder route
// engine trace lines (retries, work stealing, saves) through its own
// logging setup.
func (d *Downloader) SetLogger(log *logrus.Logger) {
	d.log = log
}

// InitDownload performs the HEAD probe against url, resolves the output
// path when outputPath is empty, partitions the byte range across
// connections workers, and returns a Pending-turned-Downloading session
// ready for Run.
func (d *Downloader) InitDownload(ctx context.Context, rawURL string, outputPath string, connections uint8) (*DownloadSession, error) {
	if connections == 0 {
		connections = 1
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build head request: %v", ErrHTTPFatal, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: head probe: %v", ErrNetworkTransient, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: head status %s", ErrHTTPFatal, resp.Status)
	}

	var totalSize *uint64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		var n uint64
		if _, err := fmt.Sscan(cl, &n); err == nil {
			totalSize = &n
		}
	}
	rangeCapable := strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")

	if outputPath == "" {
		outputPath = resolveOutputPath(rawURL, resp.Header)
	}

	session := newSession(rawURL, outputPath, connections)
	session.TotalSize = totalSize

	switch {
	case totalSize == nil:
		return nil, ErrSizeUnknown

	case rangeCapable && connections > 1:
		session.Parts = partition(*totalSize, connections)
		session.Connections = uint8(len(session.Parts))

	default:
		session.Parts = []DownloadPart{{ID: 0, StartByte: 0, EndByte: *totalSize - 1, CurrentByte: 0}}
		session.Connections = 1
	}

	session.State = StateDownloading
	return session, nil
}

// partition splits [0, totalSize-1] into n contiguous parts of size
// floor(totalSize/n); the last part absorbs the remainder.
func partition(totalSize uint64, n uint8) []DownloadPart {
	partSize := totalSize / uint64(n)
	if partSize == 0 {
		// More connections than bytes: clamp to one byte per part so parts
		// stay disjoint and non-empty (spec §8 boundary case).
		partSize = 1
		if uint64(n) > totalSize {
			n = uint8(totalSize)
		}
	}

	parts := make([]DownloadPart, 0, n)
	var start uint64
	for i := uint8(0); i < n; i++ {
		var end uint64
		if i == n-1 {
			end = totalSize - 1
		} else {
			end = start + partSize - 1
		}
		parts = append(parts, DownloadPart{ID: uint16(i), StartByte: start, EndByte: end, CurrentByte: start})
		start = end + 1
	}
	return parts
}

// control tracks the shared stop_at atomic for one live worker, keyed by
// part id.
type control struct {
	stopAt *atomic.Uint64
}

// Run drives session to completion, pause, or failure: it pre-sizes the
// output file if needed, spawns a worker per incomplete part, processes
// progress messages (including work stealing) until every part is
// complete, and persists the session to sidecarPath along the way. An empty
// sidecarPath disables persistence.
//
// observer may be nil. cancel, if non-nil, is polled once per event-loop
// iteration; when it fires, every live worker is told to stop at its
// current position and Run returns ErrCancelled with the session saved in
// its partially-complete form.
func (d *Downloader) Run(ctx context.Context, session *DownloadSession, observer Observer, sidecarPath string, cancel <-chan struct{}) error {
	if err := d.prepareOutputFile(session); err != nil {
		return err
	}
	session.State = StateDownloading

	save := func() error {
		if sidecarPath == "" {
			return nil
		}
		return session.Save(sidecarPath)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	progressCh := make(chan progressMsg, progressChanCapacity)
	g, gctx := errgroup.WithContext(workerCtx)
	controls := make(map[uint16]*control)

	spawn := func(p DownloadPart) {
		stopAt := &atomic.Uint64{}
		stopAt.Store(p.EndByte)
		controls[p.ID] = &control{stopAt: stopAt}

		w := &worker{
			id:         p.ID,
			url:        session.URL,
			end:        p.EndByte,
			outputPath: session.OutputPath,
			client:     d.client,
			progressCh: progressCh,
			stopAt:     stopAt,
			log:        d.log.WithField("worker", p.ID),
		}
		startPos := p.CurrentByte
		g.Go(func() error {
			w.run(gctx, startPos)
			return nil
		})
	}

	for _, p := range session.Parts {
		if !p.Completed {
			spawn(p)
		}
	}

	err := d.eventLoop(gctx, session, progressCh, controls, spawn, observer, sidecarPath, cancel)

	// Stop the remaining workers and keep draining their messages so none
	// blocks on a send; the channel is closed only once every worker is gone.
	stopWorkers()
	go func() {
		for range progressCh {
		}
	}()
	_ = g.Wait()
	close(progressCh)

	if err != nil {
		if err == ErrCancelled {
			_ = save()
			return ErrCancelled
		}
		session.State = NewErrorState(err.Error())
		_ = save()
		return err
	}

	session.State = StateCompleted
	return save()
}

// eventLoop is the coordinator's per-iteration loop: wait up to recvTimeout
// for a progress message, update part state, forward throttled events to the
// observer, trigger work stealing on worker completion, and persist the
// session on its own cadence.
func (d *Downloader) eventLoop(
	ctx context.Context,
	session *DownloadSession,
	progressCh chan progressMsg,
	controls map[uint16]*control,
	spawn func(DownloadPart),
	observer Observer,
	sidecarPath string,
	cancel <-chan struct{},
) error {
	lastSave := time.Now()
	var pendingBytes uint64
	lastObserverFlush := time.Now()

	for {
		if !session.incomplete() {
			if pendingBytes > 0 {
				d.flushObserver(observer, 0, pendingBytes, session)
			}
			return nil
		}

		select {
		case <-cancel:
			for _, p := range session.Parts {
				if c, ok := controls[p.ID]; ok {
					c.stopAt.Store(p.CurrentByte)
				}
			}
			return ErrCancelled

		case msg, ok := <-progressCh:
			if !ok {
				return nil
			}
			if err := d.applyMessage(session, controls, spawn, msg); err != nil {
				return err
			}
			pendingBytes += msg.bytes

			forceFlush := msg.status == statusCompleted
			if forceFlush || time.Since(lastObserverFlush) >= observerInterval {
				d.flushObserver(observer, msg.workerID, pendingBytes, session)
				pendingBytes = 0
				lastObserverFlush = time.Now()
			}

		case <-time.After(recvTimeout):
			// No message this tick; still fall through to the save check.
		}

		if sidecarPath != "" && time.Since(lastSave) >= sidecarSaveInterval {
			if err := session.Save(sidecarPath); err != nil {
				d.log.WithError(err).Warn("failed to persist session snapshot")
			}
			lastSave = time.Now()
		}
	}
}

// applyMessage updates session state for one progress message and, on a
// completed status, triggers work stealing.
func (d *Downloader) applyMessage(session *DownloadSession, controls map[uint16]*control, spawn func(DownloadPart), msg progressMsg) error {
	if msg.status == statusFailed {
		return &WorkerError{ID: msg.workerID, Err: msg.err}
	}

	idx := partIndex(session, msg.workerID)
	if idx < 0 {
		return nil // stale message for a part that's no longer tracked
	}
	part := &session.Parts[idx]

	switch msg.status {
	case statusCompleted:
		part.Completed = true
	case statusProgress:
		part.CurrentByte += msg.bytes
		if part.CurrentByte > part.EndByte {
			part.Completed = true
		}
	}

	if msg.status == statusCompleted {
		d.stealWork(session, controls, spawn)
	}
	return nil
}

// stealWork finds the slowest live part (max remaining bytes, above
// stealThreshold) and splits it in half, spawning a fresh worker for the
// tail.
func (d *Downloader) stealWork(session *DownloadSession, controls map[uint16]*control, spawn func(DownloadPart)) {
	slowIdx := -1
	var maxRemaining uint64

	for i, p := range session.Parts {
		if p.Completed {
			continue
		}
		rem := p.remaining()
		if rem > stealThreshold && rem > maxRemaining {
			maxRemaining = rem
			slowIdx = i
		}
	}
	if slowIdx < 0 {
		return
	}

	slow := &session.Parts[slowIdx]
	split := slow.CurrentByte + (slow.EndByte-slow.CurrentByte)/2

	oldEnd := slow.EndByte
	slow.EndByte = split
	if c, ok := controls[slow.ID]; ok {
		c.stopAt.Store(split)
	}

	newPart := DownloadPart{
		ID:          session.nextPartID(),
		StartByte:   split + 1,
		EndByte:     oldEnd,
		CurrentByte: split + 1,
	}
	session.Parts = append(session.Parts, newPart)

	d.log.WithFields(logrus.Fields{
		"from_part": slow.ID,
		"new_part":  newPart.ID,
		"split_at":  split,
	}).Info("work stealing split")

	spawn(newPart)
}

// flushObserver forwards one throttled progress event to observer, if set.
func (d *Downloader) flushObserver(observer Observer, workerID uint16, bytes uint64, session *DownloadSession) {
	if observer == nil {
		return
	}
	active := 0
	for _, p := range session.Parts {
		if !p.Completed {
			active++
		}
	}
	observer.OnProgress(ProgressUpdate{WorkerID: workerID, BytesDelta: bytes, ActiveWorkers: active})
}

// partIndex returns the index of the part with the given id, or -1.
func partIndex(session *DownloadSession, id uint16) int {
	for i, p := range session.Parts {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// prepareOutputFile creates and pre-sizes the output file if it doesn't
// already exist. A resumed session whose file is already present is left
// untouched: the existing output file is reopened as-is, without
// re-pre-sizing it.
func (d *Downloader) prepareOutputFile(session *DownloadSession) error {
	if _, err := os.Stat(session.OutputPath); err == nil {
		return nil
	}

	if err := ensureOutputDir(session.OutputPath); err != nil {
		return err
	}

	f, err := os.OpenFile(session.OutputPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create output: %v", ErrIO, err)
	}
	defer f.Close()

	if session.TotalSize != nil {
		if err := f.Truncate(int64(*session.TotalSize)); err != nil {
			return fmt.Errorf("%w: presize output: %v", ErrIO, err)
		}
	}
	return nil
}
