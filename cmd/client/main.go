// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package clientcmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/nscr-dev/nscr/internal/models"
)

var registryURL string

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Client commands for talking to a running registry.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	cmd.PersistentFlags().StringVar(&registryURL, "registry-url",
		osext.GetenvOrDefault("NSCR_REGISTRY_URL", "http://localhost:7000"),
		"base URL of the registry server")

	cmd.AddCommand(&cobra.Command{
		Use:   "list-repos",
		Short: "List all repositories in the registry.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runRequest("GET", "/v2/_catalog", http.StatusOK)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list-tags <repository>",
		Short: "List all tags in a repository.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			checkRepoName(args[0])
			runRequest("GET", "/v2/"+args[0]+"/tags/list", http.StatusOK)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete-image <repository> <reference>",
		Short: "Delete a manifest (by tag or digest) from a repository.",
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			checkRepoName(args[0])
			runRequest("DELETE", fmt.Sprintf("/v2/%s/manifests/%s", args[0], args[1]), http.StatusAccepted)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete-repo <repository>",
		Short: "Delete a repository with all its manifests.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			checkRepoName(args[0])
			runRequest("DELETE", "/v2/"+args[0], http.StatusAccepted)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "garbage-collect",
		Short: "Trigger a garbage collection run.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runRequest("POST", "/api/garbage-collect", http.StatusOK)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "gc-stats",
		Short: "Show what a garbage collection run would reclaim.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runRequest("GET", "/api/garbage-collect/stats", http.StatusOK)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Check whether the registry server is healthy.",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runRequest("GET", "/healthcheck", http.StatusOK)
		},
	})

	parent.AddCommand(cmd)
}

func checkRepoName(repoName string) {
	if !models.RepoNameRx.MatchString(repoName) {
		logg.Fatal("invalid repository name: %q", repoName)
	}
}

// Performs the request and prints the response body to stdout. Exits nonzero
// when the response has an unexpected status.
func runRequest(method, path string, expectedStatus int) {
	req, err := http.NewRequest(method, strings.TrimSuffix(registryURL, "/")+path, http.NoBody)
	if err != nil {
		logg.Fatal(err.Error())
	}
	userName := os.Getenv("NSCR_AUTH_USERNAME")
	if userName != "" {
		req.SetBasicAuth(userName, os.Getenv("NSCR_AUTH_PASSWORD"))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logg.Fatal(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logg.Fatal(err.Error())
	}
	if len(body) > 0 {
		os.Stdout.Write(body)
		if body[len(body)-1] != '\n' {
			fmt.Println()
		}
	}
	if resp.StatusCode != expectedStatus {
		logg.Fatal("%s %s returned status %d (expected %d)", method, path, resp.StatusCode, expectedStatus)
	}
}
