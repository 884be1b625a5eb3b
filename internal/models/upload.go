// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/go-gorp/gorp/v3"
)

// Upload contains a record from the `uploads` table.
//
// An upload session tracks an in-progress chunked blob upload. NumChunks is
// the number of chunks received so far; since chunk numbers are dense from
// zero, it is also the number of the next expected chunk.
type Upload struct {
	UUID      string    `db:"uuid"`
	NumChunks uint32    `db:"num_chunks"`
	SizeBytes uint64    `db:"size_bytes"`
	StartedAt time.Time `db:"started_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Chunk contains a record from the `chunks` table.
type Chunk struct {
	UploadUUID  string `db:"upload_uuid"`
	ChunkNumber uint32 `db:"chunk_number"`
	Content     []byte `db:"content"`
}

// FindUpload is a convenience wrapper around db.SelectOne(). If the upload
// session in question does not exist, sql.ErrNoRows is returned.
func FindUpload(db gorp.SqlExecutor, uuid string) (*Upload, error) {
	var upload Upload
	err := db.SelectOne(&upload, `SELECT * FROM uploads WHERE uuid = $1`, uuid)
	return &upload, err
}
