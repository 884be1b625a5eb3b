// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BlobsPulledCounter counts blobs that are served to clients.
	BlobsPulledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nscr_pulled_blobs",
		Help: "Counts blobs that are served to clients.",
	})
	// BlobsPushedCounter counts finished blob uploads.
	BlobsPushedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nscr_pushed_blobs",
		Help: "Counts blobs that are uploaded into the registry.",
	})
	// UploadsAbortedCounter counts blob uploads that failed after the
	// session was opened.
	UploadsAbortedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nscr_aborted_blob_uploads",
		Help: "Counts blob uploads that were aborted before completion.",
	})
	// ManifestsPulledCounter counts manifests that are served to clients.
	ManifestsPulledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nscr_pulled_manifests",
		Help: "Counts manifests that are served to clients.",
	})
	// ManifestsPushedCounter counts manifests that are stored.
	ManifestsPushedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nscr_pushed_manifests",
		Help: "Counts manifests that are pushed into the registry.",
	})
)

func init() {
	prometheus.MustRegister(BlobsPulledCounter)
	prometheus.MustRegister(BlobsPushedCounter)
	prometheus.MustRegister(UploadsAbortedCounter)
	prometheus.MustRegister(ManifestsPulledCounter)
	prometheus.MustRegister(ManifestsPushedCounter)
}
