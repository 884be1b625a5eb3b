// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/nscr-dev/nscr/internal/models"
	"github.com/nscr-dev/nscr/internal/nscr"
)

// This implements the GET /v2/<repository>/tags/list endpoint.
func (a *API) handleListTags(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/:repository/tags/list")
	repoName, ok := a.checkRepositoryName(w, r)
	if !ok {
		return
	}

	tags, err := models.ListTags(a.db, repoName)
	if a.respondWithError(w, err) {
		return
	}
	if len(tags) == 0 {
		// a repository without manifests does not exist as far as clients are concerned
		count, err := a.db.SelectInt(`SELECT COUNT(*) FROM manifests WHERE repository = $1`, repoName)
		if a.respondWithError(w, err) {
			return
		}
		if count == 0 {
			nscr.ErrNameUnknown.With("repository not found").WriteAsRegistryV2ResponseTo(w)
			return
		}
		tags = []string{}
	}

	respondwith.JSON(w, http.StatusOK, map[string]any{
		"name": repoName,
		"tags": tags,
	})
}
