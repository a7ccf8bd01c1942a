package main

import (
	"github.com/spf13/cobra"

	"library-circulation/api"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}

			logger := a.cfg.Logger(cmd.ErrOrStderr())
			mgr, err := a.open(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mgr.Close()

			srv := api.NewServer(mgr, logger, api.Options{
				AllowedOrigins: a.cfg.AllowedOrigins,
				RateLimit:      a.cfg.RateLimit,
				RateBurst:      a.cfg.RateBurst,
				Release:        a.cfg.Production(),
			})

			logger.Info("starting library service", "env", a.cfg.Env, "driver", a.cfg.Driver)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LIBRARY_HTTP_ADDR)")

	return cmd
}
