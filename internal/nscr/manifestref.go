// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package nscr

import (
	"github.com/opencontainers/go-digest"
)

// ManifestReference is a reference to a manifest as encountered in a URL on
// the registry v2 API. Exactly one of the members will be non-zero.
type ManifestReference struct {
	Digest digest.Digest
	Tag    string
}

// ParseManifestReference parses a manifest reference. If the string is a
// wellformed digest, it is interpreted as such; otherwise it is taken as a
// tag name.
func ParseManifestReference(reference string) ManifestReference {
	parsedDigest, err := digest.Parse(reference)
	if err == nil {
		return ManifestReference{Digest: parsedDigest}
	}
	return ManifestReference{Tag: reference}
}

// IsDigest returns whether this reference is a digest.
func (r ManifestReference) IsDigest() bool {
	return r.Digest != ""
}

// IsTag returns whether this reference is a tag.
func (r ManifestReference) IsTag() bool {
	return r.Tag != ""
}

// String returns the original string representation of this reference.
func (r ManifestReference) String() string {
	if r.IsDigest() {
		return r.Digest.String()
	}
	return r.Tag
}
