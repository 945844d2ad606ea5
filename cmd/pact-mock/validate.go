package main

import (
	"runtime"

	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check that contract files are valid pact v2 documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := validateContracts(args)
			if err := renderValidation(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			invalid := 0
			for _, r := range results {
				if r.Err != nil {
					invalid++
				}
			}
			if invalid > 0 {
				return errors.Errorf("%d of %d contracts are invalid", invalid, len(results))
			}
			return nil
		},
	}
}

type validationResult struct {
	Path         string
	Consumer     string
	Provider     string
	Interactions int
	Err          error
}

// validateContracts reads every path concurrently. Results keep the order of
// paths.
func validateContracts(paths []string) []validationResult {
	results := make([]validationResult, len(paths))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			pact, err := contract.ReadFile(path)
			results[i] = validationResult{
				Path:         path,
				Consumer:     pact.Consumer,
				Provider:     pact.Provider,
				Interactions: len(pact.Interactions),
				Err:          err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
