// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package registryv2

import (
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/nscr-dev/nscr/internal/models"
)

// This implements the GET /v2/_catalog endpoint.
func (a *API) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v2/_catalog")
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")

	repos, err := models.ListRepositories(a.db)
	if a.respondWithError(w, err) {
		return
	}
	if repos == nil {
		repos = []string{}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"repositories": repos})
}
