// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/go-gorp/gorp/v3"
)

// InitORM registers all models in this package with the given gorp.DbMap.
func InitORM(dbmap *gorp.DbMap) {
	dbmap.AddTableWithName(Blob{}, "blobs").SetKeys(false, "digest")
	dbmap.AddTableWithName(Upload{}, "uploads").SetKeys(false, "uuid")
	dbmap.AddTableWithName(Chunk{}, "chunks").SetKeys(false, "upload_uuid", "chunk_number")
	dbmap.AddTableWithName(Manifest{}, "manifests").SetKeys(false, "repository", "reference")
	dbmap.AddTableWithName(ManifestBlobRef{}, "manifest_refs").SetKeys(false, "repository", "manifest_digest", "blob_digest")
}
