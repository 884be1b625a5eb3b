// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/docker/distribution"
	"github.com/go-gorp/gorp/v3"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	imagespecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/nscr-dev/nscr/internal/models"
	"github.com/nscr-dev/nscr/internal/nscr"

	// distribution.UnmarshalManifest() relies on the following packages
	// registering their manifest schemas
	_ "github.com/docker/distribution/manifest/manifestlist"
	_ "github.com/docker/distribution/manifest/ocischema"
	_ "github.com/docker/distribution/manifest/schema2"
)

// manifests are JSON documents of very moderate size; this limit exists only
// to bound what a misbehaving client can make us buffer
const maxManifestSizeBytes = 4 << 20

// This implements the GET/HEAD /v2/<repository>/manifests/<reference> endpoint.
func (a *API) handleGetOrHeadManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/manifests/:reference")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	reference := nscr.ParseManifestReference(mux.Vars(r)["reference"])
	dbManifest, err := models.FindManifest(a.db, repoName, reference.String())
	if err == sql.ErrNoRows {
		nscr.ErrManifestUnknown.With("no such manifest").WithDetail(reference.String()).WriteAsRegistryV2ResponseTo(w)
		return
	}
	if a.respondWithError(w, err) {
		return
	}

	// verify Accept header, if any
	acceptHeader := r.Header.Get("Accept")
	if acceptHeader != "" {
		accepted := false
		for _, acceptField := range strings.Split(acceptHeader, ",") {
			acceptField = strings.SplitN(acceptField, ";", 2)[0]
			acceptField = strings.TrimSpace(acceptField)
			if acceptField == dbManifest.MediaType || acceptField == "*/*" {
				accepted = true
			}
		}
		if !accepted {
			msg := fmt.Sprintf("manifest type %s is not covered by Accept header", dbManifest.MediaType)
			nscr.ErrManifestUnknown.With(msg).WriteAsRegistryV2ResponseTo(w)
			return
		}
	}

	if r.Method == http.MethodGet {
		ManifestsPulledCounter.Inc()
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(dbManifest.Content)))
	w.Header().Set("Content-Type", dbManifest.MediaType)
	w.Header().Set("Docker-Content-Digest", dbManifest.Digest)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(dbManifest.Content)
	}
}

// This implements the PUT /v2/<repository>/manifests/<reference> endpoint.
func (a *API) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/manifests/:reference")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	reference := nscr.ParseManifestReference(mux.Vars(r)["reference"])
	if reference.IsTag() && !models.TagNameRx.MatchString(reference.Tag) {
		nscr.ErrTagInvalid.With("invalid tag name: %q", reference.Tag).WriteAsRegistryV2ResponseTo(w)
		return
	}

	manifestBytes, err := io.ReadAll(io.LimitReader(r.Body, maxManifestSizeBytes+1))
	if a.respondWithError(w, err) {
		return
	}
	if len(manifestBytes) > maxManifestSizeBytes {
		nscr.ErrManifestInvalid.With("manifest exceeds maximum size of %d bytes", maxManifestSizeBytes).WriteAsRegistryV2ResponseTo(w)
		return
	}

	mediaType := detectMediaType(manifestBytes, r.Header.Get("Content-Type"))
	manifest, manifestDesc, err := distribution.UnmarshalManifest(mediaType, manifestBytes)
	if err != nil {
		nscr.ErrManifestInvalid.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// if <reference> is a digest, it must be the digest of the manifest itself
	if reference.IsDigest() && manifestDesc.Digest != reference.Digest {
		nscr.ErrDigestInvalid.With("actual manifest digest is " + manifestDesc.Digest.String()).WriteAsRegistryV2ResponseTo(w)
		return
	}

	// collect referenced digests (config + layers, or child manifests for
	// index types); reject unparseable digests outright
	referencedDigests := make(map[digest.Digest]struct{})
	for _, desc := range manifest.References() {
		if err := desc.Digest.Validate(); err != nil {
			nscr.ErrManifestInvalid.With("invalid digest %q in manifest: %s", desc.Digest.String(), err.Error()).WriteAsRegistryV2ResponseTo(w)
			return
		}
		referencedDigests[desc.Digest] = struct{}{}
	}

	var validationErr *nscr.RegistryV2Error
	err = a.db.WithTransaction(func(tx *gorp.Transaction) error {
		// check that all referenced blobs (or child manifests, for index
		// types) exist; doing this inside the transaction means the garbage
		// collector can never observe a manifest whose references are not
		// fully visible
		for refDigest := range referencedDigests {
			exists, err := models.BlobExists(tx, refDigest)
			if err != nil {
				return err
			}
			if !exists {
				exists, err = models.ManifestExistsWithDigest(tx, repoName, refDigest.String())
				if err != nil {
					return err
				}
			}
			if !exists {
				if a.cfg.RequireReferencedBlobs {
					validationErr = nscr.ErrManifestBlobUnknown.With("").WithDetail(refDigest.String())
					return validationErr
				}
				logg.Error("accepting manifest %s in repository %q although referenced blob %s is missing",
					manifestDesc.Digest.String(), repoName, refDigest.String())
			}
		}

		return upsertManifest(tx, models.Manifest{
			Repository: repoName,
			Reference:  reference.String(),
			Digest:     manifestDesc.Digest.String(),
			MediaType:  manifestDesc.MediaType,
			Content:    manifestBytes,
			PushedAt:   a.timeNow(),
		}, reference, referencedDigests)
	})
	if validationErr != nil {
		validationErr.WriteAsRegistryV2ResponseTo(w)
		return
	}
	if a.respondWithError(w, err) {
		return
	}
	ManifestsPushedCounter.Inc()

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", manifestDesc.Digest.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repoName, manifestDesc.Digest.String()))
	w.WriteHeader(http.StatusCreated)
}

// Inserts a manifest under both its pushed reference and its digest, along
// with its blob references. An existing manifest at the same reference is
// replaced atomically: its rows and references disappear in the same
// transaction that makes the new ones visible.
func upsertManifest(tx *gorp.Transaction, m models.Manifest, reference nscr.ManifestReference, referencedDigests map[digest.Digest]struct{}) error {
	oldDigest, err := models.ResolveManifestDigest(tx, m.Repository, m.Reference)
	if err != nil {
		return err
	}
	if oldDigest != "" && oldDigest != m.Digest {
		// only the replaced reference is removed; other tags may still point
		// at the old digest
		_, err := tx.Exec(`DELETE FROM manifests WHERE repository = $1 AND reference = $2`, m.Repository, m.Reference)
		if err != nil {
			return err
		}
		err = deleteManifestIfUntagged(tx, m.Repository, oldDigest)
		if err != nil {
			return err
		}
	}

	// the ON CONFLICT clauses make re-pushes of an identical manifest no-ops
	insertQuery := `INSERT INTO manifests (repository, reference, digest, media_type, content, pushed_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (repository, reference) DO NOTHING`
	_, err = tx.Exec(insertQuery, m.Repository, m.Digest, m.Digest, m.MediaType, m.Content, m.PushedAt)
	if err != nil {
		return err
	}
	if reference.IsTag() {
		_, err = tx.Exec(insertQuery, m.Repository, reference.Tag, m.Digest, m.MediaType, m.Content, m.PushedAt)
		if err != nil {
			return err
		}
	}

	for refDigest := range referencedDigests {
		_, err = tx.Exec(
			`INSERT INTO manifest_refs (repository, manifest_digest, blob_digest) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			m.Repository, m.Digest, refDigest.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Removes the pull-by-digest row and the blob references of a manifest, but
// only once no tag points at it anymore. Tag rows are recognized by having a
// reference that differs from the digest.
func deleteManifestIfUntagged(tx *gorp.Transaction, repository, digestStr string) error {
	tagCount, err := tx.SelectInt(
		`SELECT COUNT(*) FROM manifests WHERE repository = $1 AND digest = $2 AND reference != digest`,
		repository, digestStr)
	if err != nil || tagCount > 0 {
		return err
	}
	return deleteManifestByDigest(tx, repository, digestStr)
}

// Removes all rows for this manifest (tag rows and the digest row) along
// with its blob references.
func deleteManifestByDigest(tx *gorp.Transaction, repository, digestStr string) error {
	_, err := tx.Exec(`DELETE FROM manifests WHERE repository = $1 AND digest = $2`, repository, digestStr)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM manifest_refs WHERE repository = $1 AND manifest_digest = $2`, repository, digestStr)
	return err
}

// This implements the DELETE /v2/<repository>/manifests/<reference> endpoint.
//
// The delete is atomic: of N concurrent deletes for the same manifest,
// exactly one observes the rows and removes them; the others get a 404.
func (a *API) handleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/manifests/:reference")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	reference := nscr.ParseManifestReference(mux.Vars(r)["reference"])
	deleted := false
	err := a.db.WithTransaction(func(tx *gorp.Transaction) error {
		digestStr, err := models.ResolveManifestDigest(tx, repoName, reference.String())
		if err != nil || digestStr == "" {
			return err
		}

		if reference.IsDigest() {
			// deleting by digest removes the manifest for all tags pointing at it
			result, err := tx.Exec(`DELETE FROM manifests WHERE repository = $1 AND digest = $2`, repoName, digestStr)
			if err != nil {
				return err
			}
			rowsDeleted, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if rowsDeleted == 0 {
				return nil
			}
			deleted = true
			_, err = tx.Exec(`DELETE FROM manifest_refs WHERE repository = $1 AND manifest_digest = $2`, repoName, digestStr)
			return err
		}

		// deleting by tag only untags; the manifest itself goes away with
		// its last tag
		result, err := tx.Exec(`DELETE FROM manifests WHERE repository = $1 AND reference = $2`, repoName, reference.Tag)
		if err != nil {
			return err
		}
		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsDeleted == 0 {
			return nil
		}
		deleted = true
		return deleteManifestIfUntagged(tx, repoName, digestStr)
	})
	if a.respondWithError(w, err) {
		return
	}
	if !deleted {
		nscr.ErrManifestUnknown.With("no such manifest").WriteAsRegistryV2ResponseTo(w)
		return
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
}

// This implements the DELETE /v2/<repository> endpoint.
func (a *API) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	var manifestsDeleted int64
	err := a.db.WithTransaction(func(tx *gorp.Transaction) error {
		var err error
		manifestsDeleted, err = tx.SelectInt(
			`SELECT COUNT(DISTINCT digest) FROM manifests WHERE repository = $1`, repoName)
		if err != nil || manifestsDeleted == 0 {
			return err
		}
		_, err = tx.Exec(`DELETE FROM manifests WHERE repository = $1`, repoName)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM manifest_refs WHERE repository = $1`, repoName)
		return err
	})
	if a.respondWithError(w, err) {
		return
	}
	if manifestsDeleted == 0 {
		nscr.ErrNameUnknown.With("repository not found").WriteAsRegistryV2ResponseTo(w)
		return
	}

	respondwith.JSON(w, http.StatusAccepted, map[string]any{
		"message":          fmt.Sprintf("repository %q deleted", repoName),
		"manifestsDeleted": manifestsDeleted,
	})
}

// Media-type detection for clients that do not send a usable Content-Type
// header: prefer the mediaType field from the document itself, then guess
// between image manifest and index based on the toplevel keys.
func detectMediaType(manifestBytes []byte, contentType string) string {
	contentType = strings.SplitN(contentType, ";", 2)[0]
	contentType = strings.TrimSpace(contentType)
	if contentType != "" && contentType != "application/json" && contentType != "application/octet-stream" {
		return contentType
	}

	var fields struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Manifests     json.RawMessage `json:"manifests"`
	}
	err := json.Unmarshal(manifestBytes, &fields)
	if err != nil {
		// let distribution.UnmarshalManifest() produce the error message
		return contentType
	}
	if fields.MediaType != "" {
		return fields.MediaType
	}
	if fields.Manifests != nil {
		return imagespecs.MediaTypeImageIndex
	}
	return imagespecs.MediaTypeImageManifest
}
