// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// progressStatus tags a worker's message to the coordinator.
type progressStatus uint8

const (
	statusProgress progressStatus = iota
	statusCompleted
	statusFailed
)

// progressMsg is the (worker_id, bytes_delta, status) tuple workers send to
// the coordinator. err is only set when status is statusFailed.
type progressMsg struct {
	workerID uint16
	bytes    uint64
	status   progressStatus
	err      error
}

// worker is an independent downloader for one contiguous byte sub-range. It
// owns only its HTTP response stream, its own handle on the output file,
// and the sending end of progressCh; it never touches the session.
type worker struct {
	id         uint16
	url        string
	end        uint64 // upper bound of the original range; work stealing lowers the effective bound through stopAt, not this field
	outputPath string
	client     *http.Client
	progressCh chan<- progressMsg
	stopAt     *atomic.Uint64 // nil disables the per-chunk stop check; Run always sets one
	log        *logrus.Entry
}

// run fetches bytes starting at pos, up to (at most) w.end, retrying
// transient failures with doubling backoff and giving up after
// maxWorkerRetries attempts.
func (w *worker) run(ctx context.Context, pos uint64) {
	bo := newWorkerBackoff()
	attempt := 0

	for {
		if pos > w.end {
			w.sendTerminal(progressMsg{workerID: w.id, status: statusCompleted})
			return
		}

		if err := w.attempt(ctx, &pos); err != nil {
			if err == errProgressReceiverGone {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if !isRetryable(err) {
				w.sendTerminal(progressMsg{workerID: w.id, status: statusFailed, err: err})
				return
			}

			attempt++
			if attempt >= maxWorkerRetries {
				w.sendTerminal(progressMsg{workerID: w.id, status: statusFailed, err: fmt.Errorf("%w: giving up after %d attempts: %v", ErrWorkerFailed, attempt, err)})
				return
			}

			delay := bo.Next()
			w.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay, "pos": pos}).Warn("retrying after error")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		// Clean success: either end-of-body or a work-stealing stop.
		w.sendTerminal(progressMsg{workerID: w.id, status: statusCompleted})
		return
	}
}

var errProgressReceiverGone = fmt.Errorf("kitsune: progress receiver gone")

// attempt performs one ranged GET starting at *pos through w.end, streaming
// the body into the output file and advancing *pos as bytes are written. It
// returns nil on clean success (EOF, or a work-stealing stop observed via
// stopAt), errProgressReceiverGone if the coordinator has gone away, or an
// error describing why the attempt failed (network, stream, or HTTP).
func (w *worker) attempt(ctx context.Context, pos *uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHTTPFatal, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", *pos, w.end))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w", ErrUnavailable)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// A server that ignores Range and returns 200 is still treated as
		// success; we seek to *pos ourselves regardless of status.
	default:
		return fmt.Errorf("%w: status %s", ErrHTTPFatal, resp.Status)
	}

	f, err := os.OpenFile(w.outputPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open output: %v", ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(*pos), io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek output: %v", ErrIO, err)
	}

	buf := make([]byte, 32*1024)
	for {
		if w.stopAt != nil && *pos >= w.stopAt.Load() {
			return nil
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: write output: %v", ErrIO, werr)
			}
			*pos += uint64(n)

			select {
			case w.progressCh <- progressMsg{workerID: w.id, bytes: uint64(n), status: statusProgress}:
			case <-ctx.Done():
				return errProgressReceiverGone
			}
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: %v", ErrNetworkTransient, rerr)
		}
	}
}

// sendTerminal sends exactly one terminal message, tolerating a closed or
// abandoned channel (the coordinator may already be gone).
func (w *worker) sendTerminal(msg progressMsg) {
	defer func() { _ = recover() }()
	w.progressCh <- msg
}

// isRetryable reports whether err should trigger another attempt rather
// than an immediate failed status.
func isRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
