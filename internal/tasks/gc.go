// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"
)

// GCResult describes the outcome of a garbage collection run. It doubles as
// the response body of the POST /api/garbage-collect endpoint.
type GCResult struct {
	BlobsRemoved int64 `json:"blobsRemoved"`
	SpaceFreed   int64 `json:"spaceFreed"`
	// Manifests are only ever removed through the registry API, never by the
	// garbage collector. The field is reported anyway to keep the payload
	// shape stable.
	ManifestsRemoved int64 `json:"manifestsRemoved"`
	OrphanedSessions int64 `json:"orphanedSessions"`
}

// GCStats describes what a garbage collection run would currently reclaim.
// It is the response body of the GET /api/garbage-collect/stats endpoint.
type GCStats struct {
	UnreferencedBlobs     int64 `json:"unreferencedBlobs"`
	ReclaimableSpaceBytes int64 `json:"reclaimableSpaceBytes"`
	TotalBlobs            int64 `json:"totalBlobs"`
	TotalSpaceBytes       int64 `json:"totalSpaceBytes"`
}

var orphanedBlobsStatsQuery = sqlext.SimplifyWhitespace(`
	SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM blobs
	 WHERE digest NOT IN (SELECT blob_digest FROM manifest_refs)
`)

var deleteOrphanedBlobsQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM blobs
	 WHERE digest NOT IN (SELECT blob_digest FROM manifest_refs)
`)

// chunks are removed through ON DELETE CASCADE
var deleteExpiredUploadsQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM uploads WHERE updated_at < $1
`)

// GarbageCollect removes all blobs that are not referenced by any manifest,
// as well as all upload sessions that have been idle beyond their TTL.
//
// The whole run is one transaction. Since manifest pushes insert their blob
// references in the same transaction as the manifest itself, a blob that is
// unreferenced within this transaction's snapshot is safe to remove.
func (j *Janitor) GarbageCollect() (GCResult, error) {
	var result GCResult
	err := j.db.WithTransaction(func(tx *gorp.Transaction) error {
		// the stats query must run before the delete to know how much space
		// the delete is about to free
		err := tx.QueryRow(orphanedBlobsStatsQuery).Scan(&result.BlobsRemoved, &result.SpaceFreed)
		if err != nil {
			return err
		}

		sqlResult, err := tx.Exec(deleteOrphanedBlobsQuery)
		if err != nil {
			return err
		}
		blobsRemoved, err := sqlResult.RowsAffected()
		if err != nil {
			return err
		}
		if blobsRemoved != result.BlobsRemoved {
			// cannot happen inside one transaction, but if it does, report the
			// true count and distrust the space figure
			logg.Error("garbage collection deleted %d blobs, but counted %d beforehand", blobsRemoved, result.BlobsRemoved)
			result.BlobsRemoved = blobsRemoved
		}

		maxUpdatedAt := j.timeNow().Add(-j.cfg.UploadSessionTTL)
		sqlResult, err = tx.Exec(deleteExpiredUploadsQuery, maxUpdatedAt)
		if err != nil {
			return err
		}
		result.OrphanedSessions, err = sqlResult.RowsAffected()
		return err
	})
	if err != nil {
		j.db.NoteOperationalError(err)
		return GCResult{}, err
	}
	return result, nil
}

// CollectGarbageStats reports what a garbage collection run would reclaim,
// without changing anything.
func (j *Janitor) CollectGarbageStats() (GCStats, error) {
	var stats GCStats
	err := j.db.QueryRow(orphanedBlobsStatsQuery).Scan(&stats.UnreferencedBlobs, &stats.ReclaimableSpaceBytes)
	if err != nil {
		j.db.NoteOperationalError(err)
		return GCStats{}, err
	}
	err = j.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM blobs`).Scan(&stats.TotalBlobs, &stats.TotalSpaceBytes)
	if err != nil {
		j.db.NoteOperationalError(err)
		return GCStats{}, err
	}
	return stats, nil
}

// GarbageCollectionJob runs GarbageCollect on the configured interval.
func (j *Janitor) GarbageCollectionJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "garbage collection",
			CounterOpts: prometheus.CounterOpts{
				Name: "nscr_garbage_collection_runs",
				Help: "Counter for garbage collection runs.",
			},
		},
		Interval: j.cfg.GCInterval,
		Task: func(_ context.Context, _ prometheus.Labels) error {
			result, err := j.GarbageCollect()
			if err != nil {
				return err
			}
			logg.Info("garbage collection removed %d blobs (%d bytes) and %d expired upload sessions",
				result.BlobsRemoved, result.SpaceFreed, result.OrphanedSessions)
			return nil
		},
	}).Setup(registerer)
}
