package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/form3tech-oss/pact-mock/internal/app/configuration"
	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		contractPath string
		port         int
		writePact    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay a contract as a mock provider until interrupted, then print the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := configuration.NewFromEnv()
			if err != nil {
				return err
			}
			pact, err := contract.ReadFile(contractPath)
			if err != nil {
				return err
			}

			mock := pactmock.NewMockProvider(config.MockProvider)
			for _, i := range pact.Interactions {
				if err := mock.RegisterInteraction(i); err != nil {
					return err
				}
			}
			if _, err := mock.Start(port); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"consumer":     pact.Consumer,
				"provider":     pact.Provider,
				"interactions": len(pact.Interactions),
			}).Infof("replaying %s on %s", contractPath, mock.URL())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			if err := mock.Stop(config.MockProvider.DrainTimeout); err != nil {
				var drainErr *pactmock.DrainTimeoutError
				if !errors.As(err, &drainErr) {
					return err
				}
			}

			verdict := mock.Verify()
			if err := renderVerdict(cmd.OutOrStdout(), mock.Interactions(), verdict); err != nil {
				return err
			}

			if writePact {
				captured := contract.FromProvider(pact.Consumer, pact.Provider, mock)
				if config.Consumer != "" {
					captured.Consumer = config.Consumer
				}
				if config.Provider != "" {
					captured.Provider = config.Provider
				}
				if _, err := contract.WriteFile(config.PactDir, captured); err != nil {
					return err
				}
			}
			return verdict.Err()
		},
	}

	cmd.Flags().StringVarP(&contractPath, "contract", "c", "", "pact contract file (.json, .yaml or .yml)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on, 0 picks a free one")
	cmd.Flags().BoolVar(&writePact, "write-pact", false, "write the served interactions to PACT_DIR on exit")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}
