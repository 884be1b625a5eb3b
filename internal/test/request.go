// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Request describes one HTTP request against a handler under test, together
// with the expectations for its response.
type Request struct {
	Method string
	Path   string
	Header map[string]string
	Body   []byte

	ExpectStatus int
	// ExpectBody may be nil (the body is not checked), a []byte or string for
	// an exact match, or any JSON-marshalable value for a JSON comparison.
	ExpectBody   any
	ExpectHeader map[string]string
}

// JSONObject is a shorthand for JSON bodies in request expectations.
type JSONObject map[string]any

// Check performs the request against the handler and verifies all
// expectations. The response and its body are returned for callsites that
// need to look at more than what the expectations cover.
func (r Request) Check(t *testing.T, h http.Handler) (*http.Response, []byte) {
	t.Helper()

	var reqBody io.Reader
	if r.Body != nil {
		reqBody = bytes.NewReader(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, reqBody)
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	requestInfo := fmt.Sprintf("%s %s", r.Method, r.Path)
	if !assert.Equal(t, r.ExpectStatus, resp.StatusCode, "%s: unexpected status (response body was %q)", requestInfo, string(respBody)) {
		return resp, respBody
	}
	for k, v := range r.ExpectHeader {
		assert.Equal(t, v, resp.Header.Get(k), "%s: unexpected value for response header %s", requestInfo, k)
	}

	switch expected := r.ExpectBody.(type) {
	case nil:
		// body is not checked
	case []byte:
		assert.Equal(t, expected, respBody, "%s: unexpected response body", requestInfo)
	case string:
		assert.Equal(t, expected, string(respBody), "%s: unexpected response body", requestInfo)
	default:
		buf, err := json.Marshal(expected)
		require.NoError(t, err)
		assert.JSONEq(t, string(buf), string(respBody), "%s: unexpected response body", requestInfo)
	}
	return resp, respBody
}
