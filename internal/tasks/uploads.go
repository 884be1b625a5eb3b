// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
)

// SweepExpiredUploads deletes all upload sessions that have not seen a chunk
// within the session TTL. Their chunks are removed by the schema's cascade.
func (j *Janitor) SweepExpiredUploads() (int64, error) {
	var sessionsExpired int64
	err := j.db.WithTransaction(func(tx *gorp.Transaction) error {
		maxUpdatedAt := j.timeNow().Add(-j.cfg.UploadSessionTTL)
		sqlResult, err := tx.Exec(deleteExpiredUploadsQuery, maxUpdatedAt)
		if err != nil {
			return err
		}
		sessionsExpired, err = sqlResult.RowsAffected()
		return err
	})
	if err != nil {
		j.db.NoteOperationalError(err)
		return 0, err
	}
	return sessionsExpired, nil
}

// UploadSweepJob runs SweepExpiredUploads periodically. The interval is much
// shorter than the garbage collection interval so that abandoned sessions do
// not hold on to their chunks for longer than necessary.
func (j *Janitor) UploadSweepJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "expired upload session sweep",
			CounterOpts: prometheus.CounterOpts{
				Name: "nscr_upload_session_sweeps",
				Help: "Counter for expired upload session sweeps.",
			},
		},
		Interval: 15 * time.Minute,
		Task: func(_ context.Context, _ prometheus.Labels) error {
			sessionsExpired, err := j.SweepExpiredUploads()
			if err != nil {
				return err
			}
			if sessionsExpired > 0 {
				logg.Info("removed %d expired upload sessions", sessionsExpired)
			}
			return nil
		},
	}).Setup(registerer)
}
