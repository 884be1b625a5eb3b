// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

// Package adminapi provides the management endpoints that live outside the
// registry v2 protocol surface.
package adminapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/respondwith"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/nscr-dev/nscr/internal/nscr"
	"github.com/nscr-dev/nscr/internal/tasks"
)

// API implements the /api endpoints.
type API struct {
	cfg     nscr.Configuration
	db      *nscr.DB
	janitor *tasks.Janitor
	// invoked by the shutdown endpoint, if enabled; wired to the server's
	// context cancellation
	shutdown func()
}

// NewAPI constructs a new API instance.
func NewAPI(cfg nscr.Configuration, db *nscr.DB, janitor *tasks.Janitor, shutdown func()) *API {
	return &API{cfg, db, janitor, shutdown}
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("POST").Path("/api/garbage-collect").HandlerFunc(a.handleGarbageCollect)
	r.Methods("GET").Path("/api/garbage-collect/stats").HandlerFunc(a.handleGarbageCollectStats)
	r.Methods("GET").Path("/api/blobs").HandlerFunc(a.handleListBlobs)
	r.Methods("POST").Path("/api/shutdown").HandlerFunc(a.handleShutdown)
}

// Rejects requests while the database is in a known-broken state, so that
// admin operations fail fast instead of producing corrupt answers.
func (a *API) checkAvailable(w http.ResponseWriter) bool {
	if a.db.IsBroken() {
		http.Error(w, "database is unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// This implements the POST /api/garbage-collect endpoint.
func (a *API) handleGarbageCollect(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/garbage-collect")
	if !a.checkAvailable(w) {
		return
	}

	result, err := a.janitor.GarbageCollect()
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, result)
}

// This implements the GET /api/garbage-collect/stats endpoint.
func (a *API) handleGarbageCollectStats(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/garbage-collect/stats")
	if !a.checkAvailable(w) {
		return
	}

	stats, err := a.janitor.CollectGarbageStats()
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, stats)
}

var listBlobDigestsQuery = sqlext.SimplifyWhitespace(`
	SELECT digest, size_bytes FROM blobs ORDER BY digest
`)

// This implements the GET /api/blobs endpoint. The response is one line per
// blob with digest and size, which diffs and greps nicely.
func (a *API) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/blobs")
	if !a.checkAvailable(w) {
		return
	}

	rows, err := a.db.Query(listBlobDigestsQuery)
	if respondwith.ErrorText(w, err) {
		return
	}
	defer rows.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for rows.Next() {
		var (
			digestStr string
			sizeBytes uint64
		)
		err := rows.Scan(&digestStr, &sizeBytes)
		if err != nil {
			logg.Error("error while listing blobs: %s", err.Error())
			return
		}
		fmt.Fprintf(w, "%s %d\n", digestStr, sizeBytes)
	}
	if err := rows.Err(); err != nil {
		logg.Error("error while listing blobs: %s", err.Error())
	}
}

// This implements the POST /api/shutdown endpoint. It is disabled unless
// explicitly opted into via configuration, since anyone who can reach it can
// stop the server.
func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/shutdown")
	if !a.cfg.ShutdownEndpointEnabled {
		http.Error(w, "shutdown endpoint is disabled", http.StatusForbidden)
		return
	}

	logg.Info("shutdown requested through the API")
	respondwith.JSON(w, http.StatusAccepted, map[string]any{"message": "shutting down"})
	go a.shutdown()
}
