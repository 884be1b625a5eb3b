// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"database/sql"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"
)

// Manifest contains a record from the `manifests` table.
//
// Each stored manifest appears under two references: its tag (if it was
// pushed by tag) and its own digest, so that pulls by digest resolve. Both
// rows carry the same digest, media type and content.
type Manifest struct {
	Repository string    `db:"repository"`
	Reference  string    `db:"reference"`
	Digest     string    `db:"digest"`
	MediaType  string    `db:"media_type"`
	Content    []byte    `db:"content"`
	PushedAt   time.Time `db:"pushed_at"`
}

// ManifestBlobRef contains a record from the `manifest_refs` table.
//
// One row exists per (manifest digest, referenced digest) pair extracted
// from the manifest body. The reference count of a blob is the number of
// rows naming its digest.
type ManifestBlobRef struct {
	Repository     string `db:"repository"`
	ManifestDigest string `db:"manifest_digest"`
	BlobDigest     string `db:"blob_digest"`
}

// FindManifest is a convenience wrapper around db.SelectOne(). The reference
// may be a tag or a digest string; both resolve through the same unique key.
// If the manifest in question does not exist, sql.ErrNoRows is returned.
func FindManifest(db gorp.SqlExecutor, repository, reference string) (*Manifest, error) {
	var m Manifest
	err := db.SelectOne(&m,
		`SELECT * FROM manifests WHERE repository = $1 AND reference = $2`,
		repository, reference)
	return &m, err
}

// ResolveManifestDigest resolves a tag or digest reference into the digest
// of the stored manifest. Returns an empty string if no such manifest
// exists.
func ResolveManifestDigest(db gorp.SqlExecutor, repository, reference string) (string, error) {
	digestStr, err := db.SelectStr(
		`SELECT digest FROM manifests WHERE repository = $1 AND reference = $2`,
		repository, reference)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return digestStr, err
}

// ManifestExistsWithDigest checks whether any manifest with this digest is
// stored in this repository, regardless of which reference it was pushed
// under.
func ManifestExistsWithDigest(db gorp.SqlExecutor, repository, digestStr string) (bool, error) {
	count, err := db.SelectInt(
		`SELECT COUNT(*) FROM manifests WHERE repository = $1 AND digest = $2`,
		repository, digestStr)
	return count > 0, err
}

var listTagsQuery = sqlext.SimplifyWhitespace(`
	SELECT reference FROM manifests
	 WHERE repository = $1 AND reference != digest
	 ORDER BY reference
`)

// ListTags returns all tag names in a repository, sorted alphabetically.
// Rows whose reference equals their digest are the pull-by-digest entries
// and are skipped.
func ListTags(db gorp.SqlExecutor, repository string) ([]string, error) {
	var tags []string
	_, err := db.Select(&tags, listTagsQuery, repository)
	return tags, err
}

// ListRepositories returns the names of all repositories that contain at
// least one manifest, sorted alphabetically.
func ListRepositories(db gorp.SqlExecutor) ([]string, error) {
	var repos []string
	_, err := db.Select(&repos, `SELECT DISTINCT repository FROM manifests ORDER BY repository`)
	return repos, err
}
