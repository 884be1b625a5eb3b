// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/mock"

	"github.com/nscr-dev/nscr/internal/nscr"
	registryv2 "github.com/nscr-dev/nscr/internal/registry"
	"github.com/nscr-dev/nscr/internal/test"
)

// Builds a registry API handler with deterministic time and session IDs.
// `configure` may be nil.
func setup(t *testing.T, configure func(*nscr.Configuration)) (nscr.Configuration, *nscr.DB, http.Handler, *mock.Clock) {
	t.Helper()
	cfg, db := test.Setup(t)
	if configure != nil {
		configure(&cfg)
	}

	clock := mock.NewClock()
	uploadCounter := 0
	h := httpapi.Compose(registryv2.NewAPI(cfg, db).
		OverrideTimeNow(clock.Now).
		OverrideGenerateUUID(func() string {
			uploadCounter++
			return fmt.Sprintf("pseudo-uuid-%d", uploadCounter)
		}),
	)
	return cfg, db, h, clock
}

func expectBlobExists(t *testing.T, h http.Handler, repoName string, blob test.Bytes) {
	t.Helper()
	for _, method := range []string{"GET", "HEAD"} {
		req := test.Request{
			Method:       method,
			Path:         fmt.Sprintf("/v2/%s/blobs/%s", repoName, blob.Digest),
			ExpectStatus: http.StatusOK,
			ExpectHeader: map[string]string{
				test.VersionHeaderKey:   test.VersionHeaderValue,
				"Content-Length":        fmt.Sprintf("%d", len(blob.Contents)),
				"Docker-Content-Digest": blob.Digest.String(),
			},
		}
		if method == "GET" {
			req.ExpectBody = blob.Contents
		}
		req.Check(t, h)
	}
}

func expectManifestExists(t *testing.T, h http.Handler, repoName string, manifest test.Bytes, reference string) {
	t.Helper()
	if reference == "" {
		reference = manifest.Digest.String()
	}
	for _, method := range []string{"GET", "HEAD"} {
		req := test.Request{
			Method:       method,
			Path:         fmt.Sprintf("/v2/%s/manifests/%s", repoName, reference),
			ExpectStatus: http.StatusOK,
			ExpectHeader: map[string]string{
				test.VersionHeaderKey:   test.VersionHeaderValue,
				"Content-Type":          manifest.MediaType,
				"Docker-Content-Digest": manifest.Digest.String(),
			},
		}
		if method == "GET" {
			req.ExpectBody = manifest.Contents
		}
		req.Check(t, h)
	}
}
