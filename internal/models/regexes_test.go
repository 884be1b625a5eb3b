// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"strings"
	"testing"
)

func TestRepoNameRx(t *testing.T) {
	valid := []string{
		"alpine",
		"library/alpine",
		"my-team/my.project/some_image",
		"a/b/c/d",
		"0numbers9",
	}
	for _, name := range valid {
		if !RepoNameRx.MatchString(name) {
			t.Errorf("expected %q to be a valid repository name", name)
		}
	}

	invalid := []string{
		"",
		"Alpine",
		"-leading-dash",
		"trailing-dash-",
		"double..dot",
		"/leading/slash",
		"trailing/slash/",
		"empty//component",
		"spaces in name",
	}
	for _, name := range invalid {
		if RepoNameRx.MatchString(name) {
			t.Errorf("expected %q to be an invalid repository name", name)
		}
	}
}

func TestTagNameRx(t *testing.T) {
	valid := []string{"latest", "1.24.1", "v2.0.0-rc.1", "_internal", strings.Repeat("a", 128)}
	for _, name := range valid {
		if !TagNameRx.MatchString(name) {
			t.Errorf("expected %q to be a valid tag name", name)
		}
	}

	invalid := []string{"", ".hidden", "-dash", "with space", strings.Repeat("a", 129)}
	for _, name := range invalid {
		if TagNameRx.MatchString(name) {
			t.Errorf("expected %q to be an invalid tag name", name)
		}
	}
}
