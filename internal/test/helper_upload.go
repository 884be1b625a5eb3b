// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"fmt"
	"net/http"
	"testing"
)

// MustUpload uploads the blob through the chunked upload endpoints of the
// registry v2 API served by `h`. The repository name only scopes the upload
// start request; sessions themselves are not repository-scoped.
func (b Bytes) MustUpload(t *testing.T, h http.Handler, repoName string) {
	t.Helper()

	resp, _ := Request{
		Method:       "POST",
		Path:         fmt.Sprintf("/v2/%s/blobs/uploads/", repoName),
		ExpectStatus: http.StatusAccepted,
		ExpectHeader: map[string]string{
			VersionHeaderKey: VersionHeaderValue,
			"Content-Length": "0",
			"Range":          "0-0",
		},
	}.Check(t, h)
	if t.Failed() {
		t.FailNow()
	}
	uploadUUID := resp.Header.Get("Docker-Upload-UUID")

	Request{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/uploads/%s/0?digest=%s", uploadUUID, b.Digest),
		Body:         b.Contents,
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			"Content-Length":        "0",
			"Docker-Content-Digest": b.Digest.String(),
		},
	}.Check(t, h)
	if t.Failed() {
		t.FailNow()
	}
}

// MustUpload pushes all parts of the image (layers, config, manifest) into
// the given repository.
func (i Image) MustUpload(t *testing.T, h http.Handler, repoName, reference string) {
	t.Helper()

	for _, layer := range i.Layers {
		layer.MustUpload(t, h, repoName)
	}
	i.Config.MustUpload(t, h, repoName)

	if reference == "" {
		reference = i.DigestRef()
	}
	Request{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/%s/manifests/%s", repoName, reference),
		Header:       map[string]string{"Content-Type": i.Manifest.MediaType},
		Body:         i.Manifest.Contents,
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			"Docker-Content-Digest": i.Manifest.Digest.String(),
		},
	}.Check(t, h)
	if t.Failed() {
		t.FailNow()
	}
}

// MustUpload pushes all parts of the image list (submanifests and the list
// manifest itself) into the given repository.
func (l ImageList) MustUpload(t *testing.T, h http.Handler, repoName, reference string) {
	t.Helper()

	for _, img := range l.Images {
		img.MustUpload(t, h, repoName, "")
	}

	if reference == "" {
		reference = l.DigestRef()
	}
	Request{
		Method:       "PUT",
		Path:         fmt.Sprintf("/v2/%s/manifests/%s", repoName, reference),
		Header:       map[string]string{"Content-Type": l.Manifest.MediaType},
		Body:         l.Manifest.Contents,
		ExpectStatus: http.StatusCreated,
		ExpectHeader: map[string]string{
			"Docker-Content-Digest": l.Manifest.Digest.String(),
		},
	}.Check(t, h)
	if t.Failed() {
		t.FailNow()
	}
}
