// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/opencontainers/go-digest"
)

// Blob contains a record from the `blobs` table.
//
// Blobs are content-addressed: the digest is the primary key, so pushing the
// same content twice deduplicates into a single row. The content itself
// lives in the same row; the database owns all bytes.
type Blob struct {
	Digest    string    `db:"digest"`
	SizeBytes uint64    `db:"size_bytes"`
	Content   []byte    `db:"content"`
	PushedAt  time.Time `db:"pushed_at"`
}

// FindBlob is a convenience wrapper around db.SelectOne(). If the blob in
// question does not exist, sql.ErrNoRows is returned.
func FindBlob(db gorp.SqlExecutor, blobDigest digest.Digest) (*Blob, error) {
	var blob Blob
	err := db.SelectOne(&blob, `SELECT * FROM blobs WHERE digest = $1`, blobDigest.String())
	return &blob, err
}

// BlobExists checks for the existence of a blob without loading its content.
func BlobExists(db gorp.SqlExecutor, blobDigest digest.Digest) (bool, error) {
	count, err := db.SelectInt(`SELECT COUNT(*) FROM blobs WHERE digest = $1`, blobDigest.String())
	return count > 0, err
}

// BlobSize returns the size of a blob without loading its content. If the
// blob does not exist, sql.ErrNoRows is returned.
func BlobSize(db gorp.SqlExecutor, blobDigest digest.Digest) (uint64, error) {
	var sizeBytes uint64
	err := db.SelectOne(&sizeBytes, `SELECT size_bytes FROM blobs WHERE digest = $1`, blobDigest.String())
	return sizeBytes, err
}
