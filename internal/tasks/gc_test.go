// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package tasks_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/mock"
	"github.com/stretchr/testify/assert"

	"github.com/nscr-dev/nscr/internal/nscr"
	registryv2 "github.com/nscr-dev/nscr/internal/registry"
	"github.com/nscr-dev/nscr/internal/tasks"
	"github.com/nscr-dev/nscr/internal/test"
)

func setup(t *testing.T) (*nscr.DB, http.Handler, *tasks.Janitor, *mock.Clock) {
	t.Helper()
	cfg, db := test.Setup(t)
	clock := mock.NewClock()
	h := httpapi.Compose(registryv2.NewAPI(cfg, db).OverrideTimeNow(clock.Now))
	janitor := tasks.NewJanitor(cfg, db).OverrideTimeNow(clock.Now)
	return db, h, janitor, clock
}

func TestGarbageCollectBlobs(t *testing.T) {
	_, h, janitor, _ := setup(t)

	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "test1", "latest")
	orphan := test.NewBytes([]byte("nothing references this blob"))
	orphan.MustUpload(t, h, "test1")

	// stats see the orphan, but nothing referenced by the manifest
	stats, err := janitor.CollectGarbageStats()
	if err != nil {
		t.Fatal(err.Error())
	}
	expectedStats := tasks.GCStats{
		UnreferencedBlobs:     1,
		ReclaimableSpaceBytes: int64(len(orphan.Contents)),
		TotalBlobs:            3,
		TotalSpaceBytes:       int64(len(orphan.Contents) + len(image.Layers[0].Contents) + len(image.Config.Contents)),
	}
	assert.Equal(t, expectedStats, stats, "GC stats")

	// the first run removes only the orphan
	result, err := janitor.GarbageCollect()
	if err != nil {
		t.Fatal(err.Error())
	}
	expectedResult := tasks.GCResult{
		BlobsRemoved: 1,
		SpaceFreed:   int64(len(orphan.Contents)),
	}
	assert.Equal(t, expectedResult, result, "GC result")

	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/blobs/" + orphan.Digest.String(),
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)
	test.Request{
		Method:       "GET",
		Path:         "/v2/test1/blobs/" + image.Layers[0].Digest.String(),
		ExpectStatus: http.StatusOK,
		ExpectBody:   image.Layers[0].Contents,
	}.Check(t, h)

	// a second run with nothing to do is a no-op
	result, err = janitor.GarbageCollect()
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.Equal(t, tasks.GCResult{}, result, "GC result")

	// once the manifest is deleted, its blobs become eligible
	test.Request{
		Method:       "DELETE",
		Path:         "/v2/test1/manifests/latest",
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)

	result, err = janitor.GarbageCollect()
	if err != nil {
		t.Fatal(err.Error())
	}
	expectedResult = tasks.GCResult{
		BlobsRemoved: 2,
		SpaceFreed:   int64(len(image.Layers[0].Contents) + len(image.Config.Contents)),
	}
	assert.Equal(t, expectedResult, result, "GC result")
}

func TestGarbageCollectKeepsSharedBlobs(t *testing.T) {
	_, h, janitor, _ := setup(t)

	// both repositories reference the same layer blob
	image := test.GenerateImage(test.GenerateExampleLayer(1))
	image.MustUpload(t, h, "repo-one", "latest")
	image.MustUpload(t, h, "repo-two", "latest")

	test.Request{
		Method:       "DELETE",
		Path:         "/v2/repo-one/manifests/latest",
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)

	// the blobs are still referenced from repo-two, so nothing is removed
	result, err := janitor.GarbageCollect()
	if err != nil {
		t.Fatal(err.Error())
	}
	assert.Equal(t, tasks.GCResult{}, result, "GC result")

	test.Request{
		Method:       "GET",
		Path:         "/v2/repo-two/blobs/" + image.Layers[0].Digest.String(),
		ExpectStatus: http.StatusOK,
		ExpectBody:   image.Layers[0].Contents,
	}.Check(t, h)
}

func TestSweepExpiredUploads(t *testing.T) {
	db, h, janitor, clock := setup(t)

	// start a session and upload one chunk
	resp, _ := test.Request{
		Method:       "POST",
		Path:         "/v2/test1/blobs/uploads/",
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)
	uploadUUID := resp.Header.Get("Docker-Upload-UUID")
	test.Request{
		Method:       "PATCH",
		Path:         "/v2/uploads/" + uploadUUID + "/0",
		Body:         []byte("some chunk content"),
		ExpectStatus: http.StatusAccepted,
	}.Check(t, h)

	// a sweep within the TTL leaves the session alone
	sessionsExpired, err := janitor.SweepExpiredUploads()
	if err != nil {
		t.Fatal(err.Error())
	}
	if sessionsExpired != 0 {
		t.Errorf("expected 0 expired sessions, got %d", sessionsExpired)
	}

	// after the TTL has passed, the session and its chunks are removed
	clock.StepBy(2 * time.Hour)
	sessionsExpired, err = janitor.SweepExpiredUploads()
	if err != nil {
		t.Fatal(err.Error())
	}
	if sessionsExpired != 1 {
		t.Errorf("expected 1 expired session, got %d", sessionsExpired)
	}

	chunkCount, err := db.SelectInt(`SELECT COUNT(*) FROM chunks`)
	if err != nil {
		t.Fatal(err.Error())
	}
	if chunkCount != 0 {
		t.Errorf("expected chunks to be cascade-deleted, found %d rows", chunkCount)
	}

	test.Request{
		Method:       "PATCH",
		Path:         "/v2/uploads/" + uploadUUID + "/1",
		Body:         []byte("more content"),
		ExpectStatus: http.StatusNotFound,
	}.Check(t, h)
}
