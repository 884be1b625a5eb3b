// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strconv"

	"github.com/sapcc/go-bits/logg"
	"github.com/spf13/cobra"

	apicmd "github.com/nscr-dev/nscr/cmd/api"
	clientcmd "github.com/nscr-dev/nscr/cmd/client"
	"github.com/nscr-dev/nscr/internal/nscr"
)

func main() {
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("NSCR_DEBUG"))

	rootCmd := &cobra.Command{
		Use:     "nscr",
		Short:   "Self-contained OCI image registry",
		Long:    "nscr is a self-contained OCI image registry that stores all data in a single SQLite database. This binary contains both the server and client implementation.",
		Version: nscr.Version,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	apicmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)
	clientcmd.AddCommandTo(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logg.Fatal(err.Error())
	}
}
