// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders a live, single-download progress display: an overall
// bar plus a line per live part, redrawn in place on interactive terminals
// and falling back to periodic plain-text lines otherwise.
package tui

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/kitsune-dl/kitsune/pkg/kitsune"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	barFillStyl = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// LiveRenderer renders a cross-platform, adaptive progress display for one
// download session: an overall bar plus a row per currently-live part.
// Uses ANSI redraw-in-place when available; periodic plain text otherwise.
type LiveRenderer struct {
	session *kitsune.DownloadSession

	mu         sync.Mutex
	start      time.Time
	done       chan struct{}
	stopped    bool
	hideCur    bool
	supports   bool
	noColor    bool
	downloaded uint64

	lastTotalBytes uint64
	lastTick       time.Time
	smoothedSpeed  float64

	finalErr error
}

// NewLiveRenderer creates a live renderer for session. The bar starts from
// session.DownloadedBytes(), so a resumed session shows bytes already on disk.
func NewLiveRenderer(session *kitsune.DownloadSession) *LiveRenderer {
	lr := &LiveRenderer{
		session:    session,
		start:      time.Now(),
		done:       make(chan struct{}),
		noColor:    os.Getenv("NO_COLOR") != "",
		downloaded: session.DownloadedBytes(),
	}
	lr.supports = isInteractive() && ansiOkay()
	if lr.supports && !lr.noColor {
		fmt.Fprint(os.Stdout, "\x1b[?25l")
		lr.hideCur = true
	}
	return lr
}

// Handler returns a kitsune.Observer that feeds progress updates into the
// renderer and redraws immediately — there's only ever one download's worth
// of events to process, so no separate event-loop goroutine is needed the
// way the teacher's multi-file renderer requires one.
func (lr *LiveRenderer) Handler() kitsune.Observer {
	return kitsune.NewCallbackObserver(func(u kitsune.ProgressUpdate) {
		lr.mu.Lock()
		lr.downloaded += u.BytesDelta
		lr.render(u.ActiveWorkers)
		lr.mu.Unlock()
	})
}

// Close stops the renderer and restores the terminal.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.stopped {
		return
	}
	lr.stopped = true
	if lr.hideCur {
		fmt.Fprint(os.Stdout, "\x1b[?25h")
	}
	fmt.Fprintln(os.Stdout)
	if lr.finalErr != nil {
		fmt.Fprintln(os.Stdout, errStyle.Render("failed:"), lr.finalErr)
	} else {
		fmt.Fprintln(os.Stdout, doneStyle.Render("✓ done"), lr.session.OutputPath)
	}
}

// Fail records a terminal error for Close to report; it does not redraw.
func (lr *LiveRenderer) Fail(err error) {
	lr.mu.Lock()
	lr.finalErr = err
	lr.mu.Unlock()
}

func (lr *LiveRenderer) render(activeWorkers int) {
	w, _ := termSize()
	minW := 60
	if w < minW {
		w = minW
	}

	var total uint64
	if lr.session.TotalSize != nil {
		total = *lr.session.TotalSize
	}

	now := time.Now()
	if !lr.lastTick.IsZero() {
		dt := now.Sub(lr.lastTick).Seconds()
		if dt > 0.05 {
			delta := lr.downloaded - lr.lastTotalBytes
			instant := float64(delta) / dt
			lr.smoothedSpeed = smoothSpeed(instant, lr.smoothedSpeed)
			lr.lastTick = now
			lr.lastTotalBytes = lr.downloaded
		}
	} else {
		lr.lastTick = now
		lr.lastTotalBytes = lr.downloaded
	}

	var prog float64
	if total > 0 {
		prog = float64(lr.downloaded) / float64(total)
		if prog > 1 {
			prog = 1
		}
	}

	if lr.supports {
		fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J")
	}

	fmt.Fprintln(os.Stdout, titleStyle.Render(lr.session.OutputPath))
	fmt.Fprintln(os.Stdout, dimStyle.Render(fmt.Sprintf("%s   connections: %d", lr.session.URL, lr.session.Connections)))
	fmt.Fprintln(os.Stdout)

	bar := renderBar(int(float64(w)*0.5), prog)
	speedStr := humanBytes(uint64(lr.smoothedSpeed)) + "/s"
	totalStr := "?"
	if total > 0 {
		totalStr = humanBytes(total)
	}
	fmt.Fprintf(os.Stdout, "%s  %3.0f%%  %s/%s  %s  workers=%d\n",
		bar, prog*100, humanBytes(lr.downloaded), totalStr, speedStr, activeWorkers)

	fmt.Fprintln(os.Stdout)
	parts := make([]kitsune.DownloadPart, len(lr.session.Parts))
	copy(parts, lr.session.Parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	for _, p := range parts {
		fmt.Fprintln(os.Stdout, renderPartRow(p, w))
	}

	if lr.supports {
		fmt.Fprintln(os.Stdout, dimStyle.Render("Press Ctrl+C to cancel and save progress"))
	}
}

func renderPartRow(p kitsune.DownloadPart, w int) string {
	var status, label string
	switch {
	case p.Completed:
		status, label = "✓", "done"
	case p.CurrentByte > p.StartByte:
		status, label = "▶", "active"
	default:
		status, label = "…", "queued"
	}

	styled := doneStyle
	if label == "active" {
		styled = activeStyle
	} else if label == "queued" {
		styled = dimStyle
	}

	partSize := p.EndByte - p.StartByte + 1
	var frac float64
	if partSize > 0 {
		frac = float64(p.CurrentByte-p.StartByte) / float64(partSize)
		if frac > 1 {
			frac = 1
		}
	}
	barW := w/4 - 8
	if barW < 6 {
		barW = 6
	}
	bar := renderBar(barW, frac)

	return fmt.Sprintf("  %s part %-4d %s  %s/%s",
		styled.Render(status+" "+label), p.ID, bar, humanBytes(p.CurrentByte-p.StartByte), humanBytes(partSize))
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return barFillStyl.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}

const speedSmoothingFactor = 0.3

func smoothSpeed(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	return speedSmoothingFactor*current + (1-speedSmoothingFactor)*previous
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func ansiOkay() bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return strings.ToLower(os.Getenv("TERM")) != "dumb"
}
