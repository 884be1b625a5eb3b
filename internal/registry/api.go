// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	uuid "github.com/satori/go.uuid"

	"github.com/nscr-dev/nscr/internal/models"
	"github.com/nscr-dev/nscr/internal/nscr"
)

// API implements the OCI registry v2 endpoints.
type API struct {
	cfg nscr.Configuration
	db  *nscr.DB
	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow      func() time.Time
	generateUUID func() string
}

// NewAPI constructs a new API instance.
func NewAPI(cfg nscr.Configuration, db *nscr.DB) *API {
	return &API{cfg, db, time.Now, func() string { return uuid.NewV4().String() }}
}

// OverrideTimeNow replaces time.Now with a test double.
func (a *API) OverrideTimeNow(timeNow func() time.Time) *API {
	a.timeNow = timeNow
	return a
}

// OverrideGenerateUUID replaces the session ID generator with a test double.
func (a *API) OverrideGenerateUUID(generateUUID func() string) *API {
	a.generateUUID = generateUUID
	return a
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("GET").Path("/v2").HandlerFunc(a.handleToplevel)
	r.Methods("GET").Path("/v2/").HandlerFunc(a.handleToplevel)
	r.Methods("GET").Path("/v2/_catalog").HandlerFunc(a.handleGetCatalog)

	// upload session endpoints are not repository-scoped; the session ID is
	// unguessable and stands on its own
	r.Methods("PATCH").
		Path("/v2/uploads/{uuid}/{chunk:[0-9]+}").
		HandlerFunc(a.handleContinueBlobUpload)
	r.Methods("PUT").
		Path("/v2/uploads/{uuid}/{chunk:[0-9]+}").
		HandlerFunc(a.handleFinishBlobUpload)

	// NOTE: Repository and blob/manifest references are matched separately by
	// splitting on the "/blobs/" resp. "/manifests/" sentinel segments, so
	// that repository names containing slashes are preserved.
	r.Methods("POST").
		Path("/v2/{repository:.+}/blobs/uploads").
		HandlerFunc(a.handleStartBlobUpload)
	r.Methods("POST").
		Path("/v2/{repository:.+}/blobs/uploads/").
		HandlerFunc(a.handleStartBlobUpload)
	r.Methods("GET", "HEAD").
		Path("/v2/{repository:.+}/blobs/{reference}").
		HandlerFunc(a.handleGetOrHeadBlob)
	r.Methods("GET", "HEAD").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handleGetOrHeadManifest)
	r.Methods("PUT").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handlePutManifest)
	r.Methods("DELETE").
		Path("/v2/{repository:.+}/manifests/{reference}").
		HandlerFunc(a.handleDeleteManifest)
	r.Methods("GET").
		Path("/v2/{repository:.+}/tags/list").
		HandlerFunc(a.handleListTags)
	// this catch-all must come last
	r.Methods("DELETE").
		Path("/v2/{repository:.+}").
		HandlerFunc(a.handleDeleteRepository)
}

// This implements the GET /v2/ endpoint (version probe).
func (a *API) handleToplevel(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	respondwith.JSON(w, http.StatusOK, map[string]any{})
}

// A one-stop-shop precondition checker for all endpoints that set the mux
// variable "repository". On success, returns the validated repository name.
func (a *API) checkRepositoryName(w http.ResponseWriter, r *http.Request) (string, bool) {
	// must be set on all registry API responses
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	repoName := mux.Vars(r)["repository"]
	if !models.RepoNameRx.MatchString(repoName) {
		nscr.ErrNameInvalid.With("invalid repository name").WriteAsRegistryV2ResponseTo(w)
		return "", false
	}
	return repoName, true
}

// Like respondwith.ErrorText(), but writes a RegistryV2Error instead of
// plain text, and checks the error for signs of database corruption.
func (a *API) respondWithError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if rerr, ok := errext.As[*nscr.RegistryV2Error](err); ok {
		if rerr == nil {
			return false
		}
		rerr.WriteAsRegistryV2ResponseTo(w)
		return true
	}

	a.db.NoteOperationalError(err)
	nscr.ErrUnknown.With(err.Error()).WriteAsRegistryV2ResponseTo(w)
	return true
}
