// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nscr-dev/nscr/internal/nscr"
	"github.com/nscr-dev/nscr/internal/test"
)

func TestManifestPushAndPull(t *testing.T) {
	_, db, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1), test.GenerateExampleLayer(2))
	image.MustUpload(t, h, "test1", "latest")

	// the manifest is available under both the tag and its digest
	expectManifestExists(t, h, "test1", image.Manifest, "latest")
	expectManifestExists(t, h, "test1", image.Manifest, "")

	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/tags/list",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"name": "test1", "tags": []any{"latest"}},
	}.Check(t, h)
	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"repositories": []any{"test1"}},
	}.Check(t, h)

	// each referenced blob (2 layers + config) has a reference row
	refCount, err := db.SelectInt(
		`SELECT COUNT(*) FROM manifest_refs WHERE repository = $1 AND manifest_digest = $2`,
		"test1", image.Manifest.Digest.String())
	if err != nil {
		t.Fatal(err.Error())
	}
	if refCount != 3 {
		t.Errorf("expected 3 manifest_refs rows, found %d", refCount)
	}
}

func TestManifestPushByDigestOnly(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", image.DigestRef())

	expectManifestExists(t, h, "test1", image.Manifest, "")

	// the repository exists, but has no tags
	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/tags/list",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"name": "test1", "tags": []any{}},
	}.Check(t, h)
}

func TestManifestValidation(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))

	// manifests that do not parse are rejected
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         []byte("not json at all"),
		ExpectStatus: http.StatusBadRequest,
	}.Check(t, h)

	// manifests referencing missing blobs are rejected; this one references
	// only its config blob, so the error detail is deterministic
	configOnlyImage := test.GenerateImage()
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Content-Type": configOnlyImage.Manifest.MediaType},
		Body:         configOnlyImage.Manifest.Contents,
		ExpectStatus: http.StatusBadRequest,
		ExpectBody: test.JSONObject{
			"errors": []any{map[string]any{
				"code":    "MANIFEST_BLOB_UNKNOWN",
				"message": "manifest references blob unknown to registry",
				"detail":  configOnlyImage.Config.Digest.String(),
			}},
		},
	}.Check(t, h)

	// the same applies with layers present
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         image.Manifest.Contents,
		ExpectStatus: http.StatusBadRequest,
	}.Check(t, h)

	// push the blobs, then check the remaining rejections
	for _, layer := range image.Layers {
		layer.MustUpload(t, h, "test1")
	}
	image.Config.MustUpload(t, h, "test1")

	// pushing under a digest reference requires the digests to agree
	otherImage := test.GenerateImage(test.GenerateExampleLayer(2))
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/" + otherImage.DigestRef(),
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         image.Manifest.Contents,
		ExpectStatus: http.StatusBadRequest,
		ExpectBody: test.JSONObject{
			"errors": []any{map[string]any{
				"code":    "DIGEST_INVALID",
				"message": "provided digest did not match uploaded content",
				"detail":  "actual manifest digest is " + image.DigestRef(),
			}},
		},
	}.Check(t, h)

	// malformed tag names are rejected
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/.invalid-tag",
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         image.Manifest.Contents,
		ExpectStatus: http.StatusBadRequest,
	}.Check(t, h)

	// after all that, a correct push still works
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         image.Manifest.Contents,
		ExpectStatus: http.StatusCreated,
	}.Check(t, h)
}

func TestManifestPushWithMissingBlobsAllowed(t *testing.T) {
	_, _, h, _ := setup(t, func(cfg *nscr.Configuration) {
		cfg.RequireReferencedBlobs = false
	})
	image := test.GenerateImage(test.GenerateExampleLayer(1))

	// in permissive mode, the same push goes through with a warning log
	test.Request{
		Method:       "PUT",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Content-Type": image.Manifest.MediaType},
		Body:         image.Manifest.Contents,
		ExpectStatus: http.StatusCreated,
	}.Check(t, h)
	expectManifestExists(t, h, "test1", image.Manifest, "latest")
}

func TestManifestTagReplacement(t *testing.T) {
	_, db, h, _ := setup(t, nil)
	image1 := test.GenerateImage(test.GenerateExampleLayer(1))
	image2 := test.GenerateImage(test.GenerateExampleLayer(2))

	image1.MustUpload(t, h, "test1", "latest")
	image2.MustUpload(t, h, "test1", "latest")

	// the tag now points at the new manifest, and the old manifest is gone
	// entirely (it was only reachable through this tag)
	expectManifestExists(t, h, "test1", image2.Manifest, "latest")
	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/manifests/" + image1.DigestRef(),
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)

	// the old manifest's blob references are gone as well
	refCount, err := db.SelectInt(
		`SELECT COUNT(*) FROM manifest_refs WHERE manifest_digest = $1`, image1.DigestRef())
	if err != nil {
		t.Fatal(err.Error())
	}
	if refCount != 0 {
		t.Errorf("expected 0 manifest_refs rows for the replaced manifest, found %d", refCount)
	}
}

func TestManifestTagReplacementKeepsSiblingTags(t *testing.T) {
	_, db, h, _ := setup(t, nil)
	image1 := test.GenerateImage(test.GenerateExampleLayer(1))
	image2 := test.GenerateImage(test.GenerateExampleLayer(2))

	// the same manifest is tagged twice, then one tag moves to a new manifest
	image1.MustUpload(t, h, "test1", "latest")
	image1.MustUpload(t, h, "test1", "stable")
	image2.MustUpload(t, h, "test1", "latest")

	// "stable" still points at the old manifest, which also stays reachable
	// by digest
	expectManifestExists(t, h, "test1", image1.Manifest, "stable")
	expectManifestExists(t, h, "test1", image1.Manifest, "")
	expectManifestExists(t, h, "test1", image2.Manifest, "latest")

	// the old manifest's blob references survive as well
	refCount, err := db.SelectInt(
		`SELECT COUNT(*) FROM manifest_refs WHERE manifest_digest = $1`, image1.DigestRef())
	if err != nil {
		t.Fatal(err.Error())
	}
	if refCount != 2 {
		t.Errorf("expected 2 manifest_refs rows for the still-tagged manifest, found %d", refCount)
	}

	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/tags/list",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"name": "test1", "tags": []any{"latest", "stable"}},
	}.Check(t, h)
}

func TestDeleteManifestKeepsSiblingTags(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", "latest")
	image.MustUpload(t, h, "test1", "stable")

	// deleting one tag only untags; the manifest stays reachable through the
	// other tag and by digest
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1/manifests/latest",
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)
	expectManifestExists(t, h, "test1", image.Manifest, "stable")
	expectManifestExists(t, h, "test1", image.Manifest, "")

	// deleting by digest removes the manifest for all remaining tags
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1/manifests/" + image.DigestRef(),
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)
	for _, reference := range []string{"stable", image.DigestRef()} {
		test.Request{
			Method:       "GET",
			Path:         "/v2/test1/manifests/" + reference,
			ExpectStatus: http.StatusNotFound,
		}.Check(t, h)
	}
}

func TestImageListPushAndPull(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	list := test.GenerateImageList(
		test.GenerateImage(test.GenerateExampleLayer(1)),
		test.GenerateImage(test.GenerateExampleLayer(2)),
	)
	list.MustUpload(t, h, "test1", "latest")

	expectManifestExists(t, h, "test1", list.Manifest, "latest")
	for _, img := range list.Images {
		expectManifestExists(t, h, "test1", img.Manifest, "")
	}
}

func TestGetManifestAcceptHeader(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", "latest")

	// matching media type and wildcard are accepted
	for _, accept := range []string{image.Manifest.MediaType, "*/*", "application/json, " + image.Manifest.MediaType} {
		test.Request{
			Method:       "GET",
			Path:         "/v2/test1/manifests/latest",
			Header:       map[string]string{"Accept": accept},
			ExpectStatus: http.StatusOK,
			ExpectBody:   image.Manifest.Contents,
		}.Check(t, h)
	}

	// an Accept header that does not cover the stored type is a 404
	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/manifests/latest",
		Header:       map[string]string{"Accept": "application/vnd.oci.image.index.v1+json"},
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)
}

func TestDeleteManifest(t *testing.T) {
	_, db, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", "latest")

	// deleting by tag removes the manifest entirely, including the digest
	// reference and the blob references
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1/manifests/latest",
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)

	for _, reference := range []string{"latest", image.DigestRef()} {
		test.Request{
			Method:       "GET",
			Path:         "/v2/test1/manifests/" + reference,
			ExpectStatus: http.StatusNotFound,
		}.Check(t, h)
	}
	refCount, err := db.SelectInt(`SELECT COUNT(*) FROM manifest_refs`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if refCount != 0 {
		t.Errorf("expected 0 manifest_refs rows after delete, found %d", refCount)
	}

	// a repeated delete is a 404
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1/manifests/latest",
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)

	// the blobs themselves stay around until garbage collection
	expectBlobExists(t, h, "test1", image.Layers[0])
}

func TestConcurrentManifestDelete(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", "latest")

	// of N parallel deletes for the same manifest, exactly one may win
	const parallelism = 10
	statusCodes := make(chan int, parallelism)
	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("DELETE", "/v2/test1/manifests/latest", nil)
			recorder := httptest.NewRecorder()
			h.ServeHTTP(recorder, req)
			statusCodes <- recorder.Code
		}()
	}
	wg.Wait()
	close(statusCodes)

	countByStatus := make(map[int]int)
	for code := range statusCodes {
		countByStatus[code]++
	}
	if countByStatus[http.StatusAccepted] != 1 || countByStatus[http.StatusNotFound] != parallelism-1 {
		t.Errorf("expected 1x 202 and %dx 404, got %v", parallelism-1, countByStatus)
	}
}

func TestDeleteRepository(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image1 := test.GenerateImage(test.GenerateExampleLayer(1))
	image2 := test.GenerateImage(test.GenerateExampleLayer(2))
	image1.MustUpload(t, h, "test1", "one")
	image2.MustUpload(t, h, "test1", "two")

	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1",
		ExpectStatus: http.StatusAccepted,
		ExpectBody: test.JSONObject{
			"message":          `repository "test1" deleted`,
			"manifestsDeleted": 2,
		},
	}.Check(t, h)

	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"repositories": []any{}},
	}.Check(t, h)

	// a repeated delete is a 404
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1",
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)
}

func TestCatalogAndTagsOrdering(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "alpine", "latest")
	image.MustUpload(t, h, "alpine", "3.18")
	image.MustUpload(t, h, "zebra/stripes", "v1")

	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"repositories": []any{"alpine", "zebra/stripes"}},
	}.Check(t, h)
	test.Request{
		Method:       "GET",
		Path:         "/v2/alpine/tags/list",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"name": "alpine", "tags": []any{"3.18", "latest"}},
	}.Check(t, h)

	// tag listings for unknown repositories are a 404
	test.Request{
		Method:       "GET",
		Path:         "/v2/unknown/tags/list",
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)

	sharedBlobURL := fmt.Sprintf("/v2/zebra/stripes/blobs/%s", image.Layers[0].Digest)
	test.Request{
		Method:       "GET",
		Path:         sharedBlobURL,
		ExpectStatus: http.StatusOK,
		ExpectBody:   image.Layers[0].Contents,
	}.Check(t, h)
}

func TestToplevelEndpoint(t *testing.T) {
	_, _, h, _ := setup(t, nil)
	for _, path := range []string{"/v2", "/v2/"} {
		test.Request{
			Method:       "GET",
			Path:         path,
			ExpectStatus: http.StatusOK,
			ExpectHeader: test.VersionHeader,
			ExpectBody:   test.JSONObject{},
		}.Check(t, h)
	}
}
