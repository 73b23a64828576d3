// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced by the core. Use errors.Is to check for
// them; worker- and part-scoped detail is attached via WorkerError and
// fmt.Errorf's %w.
var (
	// ErrNetworkTransient is a retriable connection or stream error. Inside
	// a worker it is retried and only escapes as part of ErrWorkerFailed
	// once retries are exhausted; InitDownload returns it directly when the
	// HEAD probe fails.
	ErrNetworkTransient = errors.New("kitsune: transient network error")

	// ErrRateLimited is an HTTP 429 response. Handled like ErrNetworkTransient.
	ErrRateLimited = errors.New("kitsune: rate limited (429)")

	// ErrUnavailable is an HTTP 503 response. Handled like ErrNetworkTransient.
	ErrUnavailable = errors.New("kitsune: service unavailable (503)")

	// ErrHTTPFatal is any other non-2xx response; not retried.
	ErrHTTPFatal = errors.New("kitsune: fatal http status")

	// ErrIO covers file open/seek/write/truncate failures.
	ErrIO = errors.New("kitsune: io error")

	// ErrCorrupted is returned by Load when the sidecar is malformed,
	// version-mismatched, or absent.
	ErrCorrupted = errors.New("kitsune: corrupted session file")

	// ErrCancelled is returned by Run when the caller's cancel signal fired.
	// The session is preserved in its partially-complete form for resume.
	ErrCancelled = errors.New("kitsune: cancelled")

	// ErrSizeUnknown is returned by InitDownload when the server's HEAD
	// response carries no Content-Length. The worker algorithm can't drive
	// a size-unknown placeholder part to completion, so such URLs are
	// rejected up front instead.
	ErrSizeUnknown = errors.New("kitsune: server did not report a content length")

	// ErrWorkerFailed is returned by Run when any worker exhausts its
	// retries or hits a fatal HTTP status. Use errors.As to recover the
	// *WorkerError for which worker and why.
	ErrWorkerFailed = errors.New("kitsune: worker failed")
)

// WorkerError attaches the failing worker's id and underlying cause to
// ErrWorkerFailed.
type WorkerError struct {
	ID  uint16
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.ID, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

func (e *WorkerError) Is(target error) bool {
	return target == ErrWorkerFailed
}
