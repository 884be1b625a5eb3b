// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/spf13/cobra"

	adminapi "github.com/nscr-dev/nscr/internal/api/admin"
	"github.com/nscr-dev/nscr/internal/auth"
	"github.com/nscr-dev/nscr/internal/nscr"
	registryv2 "github.com/nscr-dev/nscr/internal/registry"
	"github.com/nscr-dev/nscr/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the registry server.",
		Long:  "Run the registry server. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, _ = cmd, args

	cfg := nscr.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)
	// the admin shutdown endpoint cancels this context, triggering the same
	// graceful teardown as SIGINT
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db := must.Return(nscr.InitDB(cfg))
	must.Succeed(db.IntegrityCheck())
	prometheus.MustRegister(sqlstats.NewStatsCollector("nscr", db.Db))

	// start background jobs
	janitor := tasks.NewJanitor(cfg, db)
	if cfg.GCEnabled {
		go janitor.GarbageCollectionJob(nil).Run(ctx)
	}
	go janitor.UploadSweepJob(nil).Run(ctx)

	// wire up HTTP handlers
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Content-Length", "Content-Range", "User-Agent", "Authorization"},
	})
	handler := httpapi.Compose(
		registryv2.NewAPI(cfg, db),
		adminapi.NewAPI(cfg, db, janitor, cancel),
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				if db.IsBroken() {
					return errors.New("database is corrupted")
				}
				return db.Db.PingContext(ctx)
			},
		},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
		httpapi.WithGlobalMiddleware(auth.BasicAuthMiddleware(cfg)),
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	// start HTTP server
	logg.Info("listening on %s", cfg.ListenAddress)
	must.Succeed(httpext.ListenAndServeContext(ctx, cfg.ListenAddress, mux))
}
