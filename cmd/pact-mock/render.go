package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/olekukonko/tablewriter"
)

var (
	passColor    = color.New(color.FgHiGreen).SprintFunc()
	failColor    = color.New(color.FgHiRed).SprintFunc()
	warnColor    = color.New(color.FgHiYellow).SprintFunc()
	serviceColor = color.New(color.FgHiBlue).SprintFunc()
)

// renderVerdict prints one row per registered interaction followed by one
// row per unexpected request.
func renderVerdict(w io.Writer, registered []pactmock.Interaction, verdict pactmock.Verdict) error {
	missing := make(map[string]bool, len(verdict.UnmatchedInteractions))
	for _, i := range verdict.UnmatchedInteractions {
		missing[i.Description()] = true
	}

	table := tablewriter.NewWriter(w)
	table.Header("Interaction", "Method", "Path", "Result")
	for _, i := range registered {
		result := passColor("matched")
		if missing[i.Description()] {
			result = failColor("missing")
		}
		if err := table.Append([]string{i.Description(), i.Request().Method, i.Request().Path, result}); err != nil {
			return err
		}
	}
	for _, r := range verdict.UnexpectedRequests {
		if err := table.Append([]string{"", r.Method, r.Path, warnColor("unexpected")}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if verdict.DrainError != nil {
		fmt.Fprintln(w, warnColor(verdict.DrainError.Error()))
	}
	if verdict.AllRegisteredInteractionsMatched {
		fmt.Fprintln(w, passColor("PASSED"))
	} else {
		fmt.Fprintln(w, failColor("FAILED"))
	}
	return nil
}

func renderValidation(w io.Writer, results []validationResult) error {
	table := tablewriter.NewWriter(w)
	table.Header("Contract", "Consumer", "Provider", "Interactions", "Result")
	for _, r := range results {
		row := []string{r.Path, serviceColor(r.Consumer), serviceColor(r.Provider), strconv.Itoa(r.Interactions), passColor("valid")}
		if r.Err != nil {
			row = []string{r.Path, "", "", "", failColor(r.Err.Error())}
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
