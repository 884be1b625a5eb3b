// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-gorp/gorp/v3"
	"github.com/gorilla/mux"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/nscr-dev/nscr/internal/models"
	"github.com/nscr-dev/nscr/internal/nscr"
)

// This implements the POST /v2/<repository>/blobs/uploads/ endpoint.
func (a *API) handleStartBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/blobs/uploads/")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	// special case: monolithic upload short-circuits into 201 when we already
	// have the blob; otherwise the client proceeds with PATCH/PUT on the new
	// session like for a regular chunked upload
	if blobDigestStr := r.URL.Query().Get("digest"); blobDigestStr != "" {
		blobDigest, err := digest.Parse(blobDigestStr)
		if err != nil {
			nscr.ErrDigestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
			return
		}
		exists, err := models.BlobExists(a.db, blobDigest)
		if a.respondWithError(w, err) {
			return
		}
		if exists {
			w.Header().Set("Content-Length", "0")
			w.Header().Set("Docker-Content-Digest", blobDigest.String())
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, blobDigest.String()))
			w.WriteHeader(http.StatusCreated)
			return
		}
	}

	now := a.timeNow()
	upload := models.Upload{
		UUID:      a.generateUUID(),
		NumChunks: 0,
		SizeBytes: 0,
		StartedAt: now,
		UpdatedAt: now,
	}
	err := a.db.Insert(&upload)
	if a.respondWithError(w, err) {
		return
	}

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", upload.UUID)
	w.Header().Set("Location", fmt.Sprintf("/v2/uploads/%s/0", upload.UUID))
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// This implements the PATCH /v2/uploads/<uuid>/<chunk> endpoint.
func (a *API) handleContinueBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/uploads/:uuid/:chunk")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	upload := a.findUpload(w, r)
	if upload == nil {
		return
	}

	rerr := a.appendChunkFromRequest(upload, r)
	if rerr != nil {
		rerr.WriteAsRegistryV2ResponseTo(w)
		return
	}

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Upload-UUID", upload.UUID)
	w.Header().Set("Location", fmt.Sprintf("/v2/uploads/%s/%d", upload.UUID, upload.NumChunks))
	w.Header().Set("Range", fmt.Sprintf("0-%d", upload.SizeBytes))
	w.WriteHeader(http.StatusAccepted)
}

// This implements the PUT /v2/uploads/<uuid>/<chunk>?digest=<digest> endpoint.
func (a *API) handleFinishBlobUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/uploads/:uuid/:chunk")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	upload := a.findUpload(w, r)
	if upload == nil {
		return
	}

	blobDigestStr := r.URL.Query().Get("digest")
	if blobDigestStr == "" {
		nscr.ErrDigestInvalid.With("missing digest query parameter").WriteAsRegistryV2ResponseTo(w)
		return
	}
	blobDigest, err := digest.Parse(blobDigestStr)
	if err != nil {
		nscr.ErrDigestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// a request body, if present, is the final chunk of the upload
	if r.ContentLength > 0 {
		rerr := a.appendChunkFromRequest(upload, r)
		if rerr != nil {
			rerr.WriteAsRegistryV2ResponseTo(w)
			return
		}
	} else if rerr := checkChunkNumber(upload, r); rerr != nil {
		rerr.WriteAsRegistryV2ResponseTo(w)
		return
	}

	rerr := a.finalizeUpload(upload, blobDigest)
	if rerr != nil {
		// on digest mismatch, the session and its chunks survive so that the
		// client can retry the PUT until the session TTL expires
		UploadsAbortedCounter.Inc()
		rerr.WriteAsRegistryV2ResponseTo(w)
		return
	}
	BlobsPushedCounter.Inc()

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", blobDigest.String())
	w.Header().Set("Location", a.cfg.RegistryURL)
	w.WriteHeader(http.StatusCreated)
}

func (a *API) findUpload(w http.ResponseWriter, r *http.Request) *models.Upload {
	uploadUUID := mux.Vars(r)["uuid"]
	upload, err := models.FindUpload(a.db, uploadUUID)
	if err == sql.ErrNoRows {
		nscr.ErrBlobUploadUnknown.With("no such upload: " + uploadUUID).WriteAsRegistryV2ResponseTo(w)
		return nil
	}
	if a.respondWithError(w, err) {
		return nil
	}
	return upload
}

// Validates that the chunk number in the URL path is the next expected one.
// Chunk numbers are dense from zero, so the next expected number is always
// equal to the count of chunks uploaded so far.
func checkChunkNumber(upload *models.Upload, r *http.Request) *nscr.RegistryV2Error {
	chunkNumber, err := strconv.ParseUint(mux.Vars(r)["chunk"], 10, 32)
	if err != nil {
		return nscr.ErrBlobUploadInvalid.With("malformed chunk number: " + err.Error())
	}
	switch {
	case uint32(chunkNumber) < upload.NumChunks:
		return nscr.ErrBlobUploadInvalid.With("chunk %d was already uploaded", chunkNumber)
	case uint32(chunkNumber) > upload.NumChunks:
		return nscr.ErrBlobUploadInvalid.With("chunk out of order: next chunk is %d", upload.NumChunks)
	}
	return nil
}

// Reads the request body and appends it to the upload session as its next
// chunk, inside a single transaction. On success, the fields of `upload` are
// updated to reflect the new chunk.
func (a *API) appendChunkFromRequest(upload *models.Upload, r *http.Request) *nscr.RegistryV2Error {
	if rerr := checkChunkNumber(upload, r); rerr != nil {
		return rerr
	}

	// buffer the chunk before touching the DB, so that a client disconnect
	// mid-body cannot leave a partial chunk row behind
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(a.cfg.ChunkSizeBytes)+1))
	if err != nil {
		return nscr.ErrBlobUploadInvalid.With("error while reading request body: " + err.Error())
	}
	if uint64(len(buf)) > a.cfg.ChunkSizeBytes {
		return nscr.ErrSizeInvalid.With("chunk exceeds maximum chunk size of %d bytes", a.cfg.ChunkSizeBytes)
	}
	if r.ContentLength >= 0 && r.ContentLength != int64(len(buf)) {
		return nscr.ErrSizeInvalid.With("expected %d bytes, but request contained %d bytes", r.ContentLength, len(buf))
	}
	if upload.SizeBytes+uint64(len(buf)) > a.cfg.MaxUploadSizeBytes {
		return nscr.ErrSizeInvalid.With("upload exceeds maximum upload size of %d bytes", a.cfg.MaxUploadSizeBytes)
	}

	err = a.db.WithTransaction(func(tx *gorp.Transaction) error {
		err := tx.Insert(&models.Chunk{
			UploadUUID:  upload.UUID,
			ChunkNumber: upload.NumChunks,
			Content:     buf,
		})
		if err != nil {
			return err
		}
		upload.NumChunks++
		upload.SizeBytes += uint64(len(buf))
		upload.UpdatedAt = a.timeNow()
		_, err = tx.Update(upload)
		return err
	})
	if err != nil {
		// when two requests race for the same chunk number, the loser trips
		// over the primary key of the chunks table
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nscr.ErrBlobUploadInvalid.With("chunk %d was already uploaded", upload.NumChunks)
		}
		a.db.NoteOperationalError(err)
		return nscr.ErrUnknown.With(err.Error())
	}
	return nil
}

var uploadChunksQuery = sqlext.SimplifyWhitespace(`
	SELECT chunk_number, content FROM chunks
	 WHERE upload_uuid = $1 ORDER BY chunk_number
`)

// Assembles the chunks of this upload session in order, verifies the
// computed digest against the declared one, and promotes the content into
// the blobs table. The whole operation runs in one transaction: on digest
// mismatch everything is rolled back and the session survives for a retry.
func (a *API) finalizeUpload(upload *models.Upload, blobDigest digest.Digest) *nscr.RegistryV2Error {
	var mismatchErr *nscr.RegistryV2Error
	err := a.db.WithTransaction(func(tx *gorp.Transaction) error {
		verifier := blobDigest.Verifier()
		var content bytes.Buffer
		content.Grow(int(upload.SizeBytes))

		nextChunkNumber := uint32(0)
		err := sqlext.ForeachRow(tx, uploadChunksQuery, []any{upload.UUID}, func(rows *sql.Rows) error {
			var (
				chunkNumber uint32
				chunkBytes  []byte
			)
			err := rows.Scan(&chunkNumber, &chunkBytes)
			if err != nil {
				return err
			}
			if chunkNumber != nextChunkNumber {
				return fmt.Errorf("upload %s is not dense: expected chunk %d, found chunk %d",
					upload.UUID, nextChunkNumber, chunkNumber)
			}
			nextChunkNumber++
			_, err = verifier.Write(chunkBytes)
			if err != nil {
				return err
			}
			_, err = content.Write(chunkBytes)
			return err
		})
		if err != nil {
			return err
		}

		if !verifier.Verified() {
			mismatchErr = nscr.ErrDigestInvalid.With("expected digest %s, but uploaded content does not match", blobDigest.String())
			return mismatchErr
		}

		// the UNIQUE constraint on the digest makes concurrent uploads of the
		// same content converge on a single row; losing the race is a success
		_, err = tx.Exec(
			`INSERT INTO blobs (digest, size_bytes, content, pushed_at) VALUES ($1, $2, $3, $4) ON CONFLICT (digest) DO NOTHING`,
			blobDigest.String(), uint64(content.Len()), content.Bytes(), a.timeNow(),
		)
		if err != nil {
			return err
		}

		// chunks are deleted through ON DELETE CASCADE
		_, err = tx.Delete(upload)
		return err
	})

	if mismatchErr != nil {
		return mismatchErr
	}
	if err != nil {
		a.db.NoteOperationalError(err)
		return nscr.ErrUnknown.With(err.Error())
	}
	return nil
}
