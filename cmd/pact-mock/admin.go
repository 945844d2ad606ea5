package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/form3tech-oss/pact-mock/internal/app/configuration"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Serve the admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := configuration.NewFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				config.AdminPort = port
			}

			adminServer := configuration.ServeAdminAPI(config)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			log.Info("shutting down admin API")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.MockProvider.DrainTimeout+time.Second)
			defer cancel()
			return adminServer.Close(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "admin API port, overrides ADMIN_PORT")
	return cmd
}
