// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/sapcc/go-bits/httpapi"

	"github.com/nscr-dev/nscr/internal/auth"
	registryv2 "github.com/nscr-dev/nscr/internal/registry"
	"github.com/nscr-dev/nscr/internal/test"
)

func basicAuthHeader(userName, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(userName+":"+password))
}

func TestBasicAuth(t *testing.T) {
	cfg, db := test.Setup(t)
	cfg.AuthEnabled = true
	cfg.AuthUserName = "registry-user"
	cfg.AuthPassword = "registry-password"

	h := httpapi.Compose(
		registryv2.NewAPI(cfg, db),
		httpapi.HealthCheckAPI{SkipRequestLog: true},
		httpapi.WithGlobalMiddleware(auth.BasicAuthMiddleware(cfg)),
	)

	// without credentials, registry endpoints answer in the protocol's error
	// format and challenge for Basic auth
	resp, _ := test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusUnauthorized,
		ExpectBody: test.JSONObject{
			"errors": []any{map[string]any{
				"code":    "UNAUTHORIZED",
				"message": "authentication required",
				"detail":  "authentication required",
			}},
		},
	}.Check(t, h)
	if challenge := resp.Header.Get("WWW-Authenticate"); challenge != `Basic realm="nscr"` {
		t.Errorf("unexpected WWW-Authenticate header: %q", challenge)
	}

	// wrong credentials are rejected the same way
	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       map[string]string{"Authorization": basicAuthHeader("registry-user", "wrong-password")},
		ExpectStatus: http.StatusUnauthorized,
	}.Check(t, h)
	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       map[string]string{"Authorization": basicAuthHeader("other-user", "registry-password")},
		ExpectStatus: http.StatusUnauthorized,
	}.Check(t, h)

	// correct credentials pass through to the API
	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		Header:       map[string]string{"Authorization": basicAuthHeader("registry-user", "registry-password")},
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"repositories": []any{}},
	}.Check(t, h)

	// the health check stays reachable without credentials
	test.Request{
		Method:       "GET",
		Path:         "/healthcheck",
		ExpectStatus: http.StatusOK,
	}.Check(t, h)
}

func TestBasicAuthDisabled(t *testing.T) {
	cfg, db := test.Setup(t)
	h := httpapi.Compose(
		registryv2.NewAPI(cfg, db),
		httpapi.WithGlobalMiddleware(auth.BasicAuthMiddleware(cfg)),
	)

	test.Request{
		Method:       "GET",
		Path:         "/v2/_catalog",
		ExpectStatus: http.StatusOK,
		ExpectBody:   test.JSONObject{"repositories": []any{}},
	}.Check(t, h)
}
