// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"net/http"
	"time"
)

// httpRequestTimeout bounds how long every HEAD/GET the engine issues waits
// for response headers; streaming a response body is not time-limited
// (spec: "Default timeout per request: 30 s").
const httpRequestTimeout = 30 * time.Second

// buildHTTPClient builds the HTTP client used for HEAD probes and ranged
// GETs. Idle connections are disabled per host since each worker holds a
// long-lived streaming body; pooling them would mostly waste memory.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DisableKeepAlives:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: httpRequestTimeout,
	}
	return &http.Client{Transport: tr}
}

// userAgentTransport sets a fixed User-Agent header on every outgoing
// request, since net/http has no client-level way to do this.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

func newClientWithUserAgent(userAgent string) *http.Client {
	c := buildHTTPClient()
	c.Transport = &userAgentTransport{base: c.Transport, userAgent: userAgent}
	return c
}
