// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"bytes"
	"database/sql"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"

	"github.com/nscr-dev/nscr/internal/models"
	"github.com/nscr-dev/nscr/internal/nscr"
)

// This implements the GET/HEAD /v2/<repository>/blobs/<reference> endpoint.
//
// The reference is usually a digest, but a tag is also accepted: it is
// resolved into the digest of the manifest currently stored under that tag.
func (a *API) handleGetOrHeadBlob(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/blobs/:reference")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	blobDigest, err := digest.Parse(mux.Vars(r)["reference"])
	if err != nil {
		// not a digest - try to resolve it as a tag
		digestStr, resolveErr := models.ResolveManifestDigest(a.db, repoName, mux.Vars(r)["reference"])
		if a.respondWithError(w, resolveErr) {
			return
		}
		if digestStr == "" {
			nscr.ErrBlobUnknown.With("blob does not exist in this repository").WriteAsRegistryV2ResponseTo(w)
			return
		}
		blobDigest, err = digest.Parse(digestStr)
		if a.respondWithError(w, err) {
			return
		}
	}

	if r.Method == http.MethodHead {
		// avoid loading the content for a pure existence check
		sizeBytes, err := models.BlobSize(a.db, blobDigest)
		if err == sql.ErrNoRows {
			nscr.ErrBlobUnknown.With("blob does not exist in this repository").WriteAsRegistryV2ResponseTo(w)
			return
		}
		if a.respondWithError(w, err) {
			return
		}
		w.Header().Set("Content-Length", strconv.FormatUint(sizeBytes, 10))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", blobDigest.String())
		w.WriteHeader(http.StatusOK)
		return
	}

	blob, err := models.FindBlob(a.db, blobDigest)
	if err == sql.ErrNoRows {
		nscr.ErrBlobUnknown.With("blob does not exist in this repository").WriteAsRegistryV2ResponseTo(w)
		return
	}
	if a.respondWithError(w, err) {
		return
	}

	BlobsPulledCounter.Inc()

	w.Header().Set("Content-Length", strconv.FormatUint(blob.SizeBytes, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", blob.Digest)
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, bytes.NewReader(blob.Content))
	if err != nil {
		logg.Error("unexpected error while sending blob %s to client: %s", blob.Digest, err.Error())
	}
}
