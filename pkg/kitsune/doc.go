// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package kitsune implements the core of a multi-connection, resumable HTTP(S)
file downloader.

Given a single URL and a local destination, a Downloader fetches the remote
byte stream in parallel over HTTP range requests, writes bytes in place into
a pre-sized output file, persists progress to a JSON sidecar so interrupted
downloads resume, and rebalances work across connections via work stealing
when some workers finish earlier than others.

# Quick start

	d := kitsune.New("my-app/1.0")

	session, err := d.InitDownload(ctx, url, "", 8)
	if err != nil {
		log.Fatal(err)
	}

	obs := kitsune.NewChannelObserver(32)
	go func() {
		for u := range obs.Updates() {
			fmt.Printf("%d bytes, %d active\n", u.BytesDelta, u.ActiveWorkers)
		}
	}()

	sidecar := session.OutputPath + ".kitsune"
	err = d.Run(ctx, session, obs, sidecar, nil)

# Resuming

If sidecar exists, load it with Load and pass the recovered *DownloadSession to Run
instead of calling InitDownload again; Run only spawns workers for parts that
are not yet marked completed.

# Scope

This package is the engine only. Front ends — a CLI, a GUI, a browser
extension bridge — are expected to drive it through New/InitDownload/Run and
the Observer interface; none of that embedding logic lives here.
*/
package kitsune
