// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires kitsune's core engine to a cobra-based command line:
// flag parsing, config-file defaults, signal handling, and progress-handler
// selection (live TUI, quiet, or JSON lines).
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kitsune-dl/kitsune/internal/config"
	"github.com/kitsune-dl/kitsune/internal/tui"
	"github.com/kitsune-dl/kitsune/pkg/kitsune"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut   bool
	Quiet     bool
	Verbose   bool
	Config    string
	LogFile   string
	LogLevel  string
	UserAgent string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "kitsune",
		Short:         "Resumable, multi-connection downloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON progress lines")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (no progress output)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides --quiet/--verbose)")
	root.PersistentFlags().StringVar(&ro.UserAgent, "user-agent", "", "User-Agent header sent with every request")

	getCmd := newGetCmd(ctx, ro)
	root.AddCommand(getCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	// A bare "kitsune <url>" runs get, the way teacher made download its
	// default command.
	root.RunE = getCmd.RunE
	root.Args = cobra.MaximumNArgs(1)
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newGetCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		output      string
		connections int
	)

	cmd := &cobra.Command{
		Use:   "get [URL]",
		Short: "Download a file over one or more connections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("missing URL")
			}
			rawURL := args[0]

			settings := resolveSettings(ro)
			if cmd.Flags().Changed("output") {
				settings.Output = output
			}
			if cmd.Flags().Changed("connections") {
				settings.Connections = connections
			}
			if ro.UserAgent != "" {
				settings.UserAgent = ro.UserAgent
			}

			log := buildLogger(ro, settings)
			dl := kitsune.New(settings.UserAgent)
			dl.SetLogger(log)

			session, err := loadOrInit(ctx, dl, rawURL, settings)
			if err != nil {
				return err
			}
			sidecarPath := kitsune.SidecarPath(session.OutputPath)

			observer, closeObserver := buildObserver(ro, session)
			defer closeObserver()

			cancelCh := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(cancelCh)
			}()

			runErr := dl.Run(ctx, session, observer, sidecarPath, cancelCh)
			if runErr != nil {
				if errors.Is(runErr, kitsune.ErrCancelled) {
					fmt.Fprintln(os.Stderr, "cancelled; progress saved, resume by running the same command again")
					return nil
				}
				reportFailure(ro, runErr)
				return runErr
			}

			_ = kitsune.RemoveSidecar(session.OutputPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file path (default: resolved from the URL/server)")
	cmd.Flags().IntVarP(&connections, "connections", "c", 0, "Number of concurrent connections (default: from config, else 8)")

	return cmd
}

// loadOrInit resumes an existing sidecar for settings.Output, or calls
// InitDownload for a fresh session when no output path was given or no
// sidecar exists yet for it.
func loadOrInit(ctx context.Context, dl *kitsune.Downloader, rawURL string, settings config.Settings) (*kitsune.DownloadSession, error) {
	if settings.Output != "" {
		if session, err := kitsune.Load(kitsune.SidecarPath(settings.Output)); err == nil {
			return session, nil
		}
	}

	connections := settings.Connections
	if connections <= 0 {
		connections = 8
	}
	return dl.InitDownload(ctx, rawURL, settings.Output, uint8(connections))
}

func resolveSettings(ro *RootOpts) config.Settings {
	fileSettings, err := config.Load(ro.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	return config.Merge(config.Default(), fileSettings)
}

func buildLogger(ro *RootOpts, settings config.Settings) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level := settings.LogLevel
	switch {
	case ro.LogLevel != "":
		level = ro.LogLevel
	case ro.Verbose:
		level = "debug"
	case ro.Quiet:
		level = "warn"
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}

	if ro.LogFile != "" {
		f, err := os.OpenFile(ro.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}
	return log
}

// buildObserver selects the progress front end: JSON lines, quiet (no
// output), or the live TUI.
func buildObserver(ro *RootOpts, session *kitsune.DownloadSession) (kitsune.Observer, func()) {
	switch {
	case ro.JSONOut:
		enc := json.NewEncoder(os.Stdout)
		var mu sync.Mutex
		obs := kitsune.NewCallbackObserver(func(u kitsune.ProgressUpdate) {
			mu.Lock()
			defer mu.Unlock()
			_ = enc.Encode(u)
		})
		return obs, func() {}
	case ro.Quiet:
		return kitsune.NewCallbackObserver(nil), func() {}
	default:
		renderer := tui.NewLiveRenderer(session)
		return renderer.Handler(), renderer.Close
	}
}

func reportFailure(ro *RootOpts, err error) {
	if ro.JSONOut {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"event": "error", "message": err.Error()})
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
