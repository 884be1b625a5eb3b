// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

// Package tasks contains the background jobs that keep the registry database
// tidy: garbage collection of unreferenced blobs and expiry of abandoned
// upload sessions.
package tasks

import (
	"time"

	"github.com/nscr-dev/nscr/internal/nscr"
)

// Janitor holds the dependencies of the background jobs.
type Janitor struct {
	cfg nscr.Configuration
	db  *nscr.DB
	// can be replaced by a deterministic double for unit tests
	timeNow func() time.Time
}

// NewJanitor constructs a Janitor.
func NewJanitor(cfg nscr.Configuration, db *nscr.DB) *Janitor {
	return &Janitor{cfg, db, time.Now}
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	return j
}
