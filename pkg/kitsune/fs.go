// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package kitsune

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// defaultFilename is used when neither Content-Disposition nor the URL's
// path yields a usable name.
const defaultFilename = "download.bin"

// downloadsDir returns $HOME/Downloads if it exists, else the process's
// current working directory.
func downloadsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, "Downloads")
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// resolveOutputPath picks the destination file for a download with no
// explicit output path, in this order: Content-Disposition filename, then
// the URL's last path segment, then the literal default name.
func resolveOutputPath(rawURL string, headers http.Header) string {
	name := filenameFromContentDisposition(headers.Get("Content-Disposition"))
	if name == "" {
		name = filenameFromURL(rawURL)
	}
	if name == "" {
		name = defaultFilename
	}
	return filepath.Join(downloadsDir(), name)
}

// filenameFromContentDisposition extracts the filename= token, unquoted, up
// to the first ';'.
func filenameFromContentDisposition(cd string) string {
	idx := strings.Index(cd, "filename=")
	if idx < 0 {
		return ""
	}
	rest := cd[idx+len("filename="):]
	end := strings.IndexByte(rest, ';')
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.Trim(strings.TrimSpace(rest), `"`)
}

// filenameFromURL returns the last '/'-separated segment of the URL's path,
// with any '?'-prefixed query stripped. It works directly on the raw URL
// string rather than a parsed *url.URL so a malformed URL still yields a
// best-effort name instead of nothing.
func filenameFromURL(rawURL string) string {
	segs := strings.Split(rawURL, "/")
	seg := segs[len(segs)-1]
	if q := strings.IndexByte(seg, '?'); q >= 0 {
		seg = seg[:q]
	}
	return seg
}
