// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"regexp"
)

const repoNameComponentRxStr = `[a-z0-9]+(?:[._-][a-z0-9]+)*`

// RepoNameRx is the regex that repository names must match.
var RepoNameRx = regexp.MustCompile(`^` +
	repoNameComponentRxStr + `(?:/` + repoNameComponentRxStr + `)*` +
	`$`)

// TagNameRx is the regex that tag names must match.
var TagNameRx = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
