// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the optional HTTP Basic authentication in front of
// the registry and admin endpoints.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nscr-dev/nscr/internal/nscr"
)

// BasicAuthMiddleware returns a middleware that guards the /v2 and /api
// endpoint trees with HTTP Basic authentication. Health check and metrics
// endpoints stay reachable without credentials.
//
// If authentication is not enabled in the configuration, the middleware is a
// no-op.
func BasicAuthMiddleware(cfg nscr.Configuration) func(http.Handler) http.Handler {
	// comparing fixed-size hashes keeps the comparison constant-time even
	// when the attempt has a different length than the real credentials
	userNameHash := sha256.Sum256([]byte(cfg.AuthUserName))
	passwordHash := sha256.Sum256([]byte(cfg.AuthPassword))

	return func(inner http.Handler) http.Handler {
		if !cfg.AuthEnabled {
			return inner
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isProtectedPath(r.URL.Path) {
				inner.ServeHTTP(w, r)
				return
			}

			userName, password, ok := r.BasicAuth()
			if ok {
				attemptUserNameHash := sha256.Sum256([]byte(userName))
				attemptPasswordHash := sha256.Sum256([]byte(password))
				userNameMatches := subtle.ConstantTimeCompare(userNameHash[:], attemptUserNameHash[:])
				passwordMatches := subtle.ConstantTimeCompare(passwordHash[:], attemptPasswordHash[:])
				if userNameMatches&passwordMatches == 1 {
					inner.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="nscr"`)
			if strings.HasPrefix(r.URL.Path, "/v2") {
				// registry clients expect the error envelope of the protocol
				nscr.ErrUnauthorized.With("authentication required").WriteAsRegistryV2ResponseTo(w)
			} else {
				http.Error(w, "authentication required", http.StatusUnauthorized)
			}
		})
	}
}

func isProtectedPath(path string) bool {
	return path == "/v2" || strings.HasPrefix(path, "/v2/") ||
		path == "/api" || strings.HasPrefix(path, "/api/")
}
