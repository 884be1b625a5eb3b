// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package nscr

// Component is the name that this program uses to identify itself.
const Component = "nscr"

// Version is the version of this program. It is set during the build via -ldflags.
var Version = "unknown"
