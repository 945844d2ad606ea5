package pactmock

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Verdict struct {
	AllRegisteredInteractionsMatched bool                 `json:"all_registered_interactions_matched"`
	UnmatchedInteractions            []InteractionSummary `json:"unmatched_interactions"`
	UnexpectedRequests               []RequestDocument    `json:"unexpected_requests"`
	DrainError                       string               `json:"drain_error,omitempty"`
}

// Err returns nil when the verdict passed, or an error listing its failures.
func (v *Verdict) Err() error {
	if v.AllRegisteredInteractionsMatched {
		return nil
	}
	var problems []string
	for _, i := range v.UnmatchedInteractions {
		problems = append(problems, fmt.Sprintf("missing request for '%s' (%s %s)", i.Description, i.Method, i.Path))
	}
	for _, r := range v.UnexpectedRequests {
		problems = append(problems, fmt.Sprintf("unexpected request %s %s", r.Method, r.Path))
	}
	if v.DrainError != "" {
		problems = append(problems, v.DrainError)
	}
	return fmt.Errorf("pact verification failed: %s", strings.Join(problems, "; "))
}

type InteractionSummary struct {
	Description string `json:"description"`
	Method      string `json:"method"`
	Path        string `json:"path"`
}

type RequestDocument struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
}

type ProviderInfo struct {
	Port         int    `json:"port"`
	URL          string `json:"url"`
	Consumer     string `json:"consumer"`
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Interactions int    `json:"interactions"`
}

// Error is a non-successful admin API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pact-mock admin API returned %d: %s", e.StatusCode, e.Message)
}
