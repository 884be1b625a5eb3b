// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

// Package test contains shared helpers for unit tests.
package test

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/sapcc/go-bits/logg"

	"github.com/nscr-dev/nscr/internal/nscr"
)

const (
	// VersionHeaderKey is the standard version header name included in all
	// registry v2 API responses.
	VersionHeaderKey = "Docker-Distribution-Api-Version"
	// VersionHeaderValue is the standard version header value included in all
	// registry v2 API responses.
	VersionHeaderValue = "registry/2.0"
)

// VersionHeader is the standard version header included in all registry v2
// API responses.
var VersionHeader = map[string]string{VersionHeaderKey: VersionHeaderValue}

// Setup prepares a Configuration and a fresh database in a temporary
// directory for a unit test.
func Setup(t *testing.T) (nscr.Configuration, *nscr.DB) {
	t.Helper()
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("NSCR_DEBUG"))

	cfg := nscr.Configuration{
		ListenAddress:          "localhost:7000",
		DatabasePath:           t.TempDir(),
		DatabaseMaxConnections: 5,
		DatabaseMinConnections: 1,
		RegistryURL:            "http://registry.example.org",
		GCEnabled:              true,
		GCInterval:             24 * time.Hour,
		MaxUploadSizeBytes:     100 << 20,
		ChunkSizeBytes:         5 << 20,
		UploadSessionTTL:       1 * time.Hour,
		RequireReferencedBlobs: true,
	}

	db, err := nscr.InitDB(cfg)
	if err != nil {
		t.Fatal(err.Error())
	}
	t.Cleanup(func() {
		err := db.Db.Close()
		if err != nil {
			t.Error(err.Error())
		}
	})
	return cfg, db
}

// MustExec executes the given SQL statement, failing the test on error.
func MustExec(t *testing.T, db *nscr.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	if err != nil {
		t.Fatal(err.Error())
	}
}
