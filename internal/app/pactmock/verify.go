package pactmock

import (
	"encoding/json"
)

// Verdict is the outcome of one verification cycle.
type Verdict struct {
	AllRegisteredInteractionsMatched bool
	UnmatchedInteractions            []Interaction
	UnexpectedRequests               []Request
	DrainError                       error
}

// Verify checks records against the registered interactions. An interaction
// is satisfied when at least one matched record references it; the verdict
// passes when every interaction is satisfied and no request went unmatched.
func Verify(registered []Interaction, records []InvocationRecord) Verdict {
	satisfied := make(map[string]bool, len(registered))
	var verdict Verdict
	for _, r := range records {
		if r.Matched {
			satisfied[r.Interaction.description] = true
			continue
		}
		verdict.UnexpectedRequests = append(verdict.UnexpectedRequests, r.Request)
	}
	for _, i := range registered {
		if !satisfied[i.description] {
			verdict.UnmatchedInteractions = append(verdict.UnmatchedInteractions, i)
		}
	}
	verdict.AllRegisteredInteractionsMatched = len(verdict.UnmatchedInteractions) == 0 && len(verdict.UnexpectedRequests) == 0
	return verdict
}

// Err returns a *VerificationError describing every failure, or nil when the
// verdict passed.
func (v Verdict) Err() error {
	if v.AllRegisteredInteractionsMatched {
		return nil
	}
	return &VerificationError{Verdict: v}
}

type interactionSummary struct {
	Description string `json:"description"`
	Method      string `json:"method"`
	Path        string `json:"path"`
}

type verdictDocument struct {
	AllRegisteredInteractionsMatched bool                 `json:"all_registered_interactions_matched"`
	UnmatchedInteractions            []interactionSummary `json:"unmatched_interactions"`
	UnexpectedRequests               []Request            `json:"unexpected_requests"`
	DrainError                       string               `json:"drain_error,omitempty"`
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	doc := verdictDocument{
		AllRegisteredInteractionsMatched: v.AllRegisteredInteractionsMatched,
		UnmatchedInteractions:            make([]interactionSummary, 0, len(v.UnmatchedInteractions)),
		UnexpectedRequests:               make([]Request, 0, len(v.UnexpectedRequests)),
	}
	for _, i := range v.UnmatchedInteractions {
		doc.UnmatchedInteractions = append(doc.UnmatchedInteractions, interactionSummary{
			Description: i.description,
			Method:      i.request.Method,
			Path:        i.request.Path,
		})
	}
	doc.UnexpectedRequests = append(doc.UnexpectedRequests, v.UnexpectedRequests...)
	if v.DrainError != nil {
		doc.DrainError = v.DrainError.Error()
	}
	return json.Marshal(doc)
}
