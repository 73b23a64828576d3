// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerErrorIsErrWorkerFailed(t *testing.T) {
	we := &WorkerError{ID: 3, Err: ErrNetworkTransient}
	require.ErrorIs(t, error(we), ErrWorkerFailed)
}

func TestWorkerErrorUnwrap(t *testing.T) {
	we := &WorkerError{ID: 3, Err: ErrUnavailable}
	require.ErrorIs(t, error(we), ErrUnavailable)

	var target *WorkerError
	require.True(t, errors.As(error(we), &target))
	require.Equal(t, uint16(3), target.ID)
}

func TestWorkerErrorMessage(t *testing.T) {
	we := &WorkerError{ID: 7, Err: ErrHTTPFatal}
	require.Contains(t, we.Error(), "worker 7")
	require.Contains(t, we.Error(), "fatal http status")
}

func TestWorkerErrorDoesNotMatchUnrelatedSentinel(t *testing.T) {
	we := &WorkerError{ID: 1, Err: ErrNetworkTransient}
	require.False(t, errors.Is(error(we), ErrCancelled))
}
