// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package nscr

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
)

// Configuration contains all configuration values that are read from the
// environment during startup.
type Configuration struct {
	ListenAddress string
	DatabasePath  string

	DatabaseMaxConnections int
	DatabaseMinConnections int

	// RegistryURL is the canonical URL of this registry, as echoed in
	// Location headers after a finished blob upload.
	RegistryURL string

	GCEnabled  bool
	GCInterval time.Duration

	MaxUploadSizeBytes uint64
	ChunkSizeBytes     uint64
	UploadSessionTTL   time.Duration

	// RequireReferencedBlobs controls whether manifests referencing unknown
	// blobs are rejected (the OCI-compliant behavior) or accepted with a
	// warning log.
	RequireReferencedBlobs bool

	AuthEnabled  bool
	AuthUserName string
	AuthPassword string

	ShutdownEndpointEnabled bool
}

// ParseConfiguration obtains an nscr.Configuration instance from the
// corresponding environment variables. Aborts on error.
func ParseConfiguration() Configuration {
	port := getenvUint("NSCR_PORT", 7000)
	host := osext.GetenvOrDefault("NSCR_HOST", "0.0.0.0")

	cfg := Configuration{
		ListenAddress:           fmt.Sprintf("%s:%d", host, port),
		DatabasePath:            osext.GetenvOrDefault("NSCR_DATABASE_PATH", "./data/"),
		DatabaseMaxConnections:  int(getenvUint("NSCR_DB_MAX_CONNECTIONS", 10)),
		DatabaseMinConnections:  int(getenvUint("NSCR_DB_MIN_CONNECTIONS", 2)),
		RegistryURL:             osext.GetenvOrDefault("NSCR_REGISTRY_URL", fmt.Sprintf("http://localhost:%d", port)),
		GCEnabled:               getenvBool("NSCR_GC_ENABLED", true),
		GCInterval:              time.Duration(getenvUint("NSCR_GC_INTERVAL_HOURS", 24)) * time.Hour,
		MaxUploadSizeBytes:      getenvUint("NSCR_MAX_UPLOAD_SIZE_MB", 1024) << 20,
		ChunkSizeBytes:          getenvUint("NSCR_CHUNK_SIZE_MB", 10) << 20,
		UploadSessionTTL:        time.Duration(getenvUint("NSCR_UPLOAD_SESSION_TTL_HOURS", 1)) * time.Hour,
		RequireReferencedBlobs:  getenvBool("NSCR_MANIFEST_REQUIRE_REFERENCED_BLOBS", true),
		AuthEnabled:             getenvBool("NSCR_AUTH_ENABLED", false),
		AuthUserName:            osext.GetenvOrDefault("NSCR_AUTH_USERNAME", ""),
		AuthPassword:            osext.GetenvOrDefault("NSCR_AUTH_PASSWORD", ""),
		ShutdownEndpointEnabled: getenvBool("NSCR_SHUTDOWN_ENDPOINT_ENABLED", false),
	}

	if cfg.AuthEnabled && (cfg.AuthUserName == "" || cfg.AuthPassword == "") {
		logg.Fatal("NSCR_AUTH_ENABLED requires NSCR_AUTH_USERNAME and NSCR_AUTH_PASSWORD")
	}
	if cfg.DatabaseMinConnections > cfg.DatabaseMaxConnections {
		logg.Fatal("NSCR_DB_MIN_CONNECTIONS must not exceed NSCR_DB_MAX_CONNECTIONS")
	}
	return cfg
}

func getenvUint(key string, defaultValue uint64) uint64 {
	str := osext.GetenvOrDefault(key, "")
	if str == "" {
		return defaultValue
	}
	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		logg.Fatal("malformed %s: %s", key, err.Error())
	}
	return val
}

func getenvBool(key string, defaultValue bool) bool {
	str := osext.GetenvOrDefault(key, "")
	if str == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		logg.Fatal("malformed %s: %s", key, err.Error())
	}
	return val
}
