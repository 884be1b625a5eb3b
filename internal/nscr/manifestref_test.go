// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package nscr

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestParseManifestReference(t *testing.T) {
	exampleDigest := digest.Canonical.FromString("example")

	ref := ParseManifestReference(exampleDigest.String())
	if !ref.IsDigest() || ref.IsTag() {
		t.Errorf("expected %q to parse as a digest", exampleDigest)
	}
	if ref.Digest != exampleDigest {
		t.Errorf("expected digest %q, got %q", exampleDigest, ref.Digest)
	}
	if ref.String() != exampleDigest.String() {
		t.Errorf("expected round-trip %q, got %q", exampleDigest, ref.String())
	}

	// anything that does not parse as a digest is a tag, including strings
	// that merely look like digests
	for _, input := range []string{"latest", "1.24.1", "sha256:tooshort", "unknownalgo:abcdef"} {
		ref := ParseManifestReference(input)
		if ref.IsDigest() || !ref.IsTag() {
			t.Errorf("expected %q to parse as a tag", input)
		}
		if ref.String() != input {
			t.Errorf("expected round-trip %q, got %q", input, ref.String())
		}
	}
}
