package pactmock

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// RequestSpec describes the request an interaction expects.
type RequestSpec struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    *BodyMatcher
}

// ResponseSpec describes the canned response of an interaction. The body
// served is Body.Example().
type ResponseSpec struct {
	Status  int
	Headers map[string]string
	Body    *BodyMatcher
}

// Interaction is one expected request/response pair. It is immutable once
// built; use NewInteraction to create one.
type Interaction struct {
	description   string
	providerState string
	request       RequestSpec
	response      ResponseSpec
}

func (i Interaction) Description() string { return i.description }

func (i Interaction) ProviderState() string { return i.providerState }

func (i Interaction) Request() RequestSpec { return i.request.clone() }

func (i Interaction) Response() ResponseSpec { return i.response.clone() }

func (i Interaction) String() string {
	return i.description + " (" + i.request.Method + " " + i.request.Path + ")"
}

// InteractionBuilder assembles an Interaction. Every step returns a new
// builder, so partially configured builders can be shared between scenarios.
type InteractionBuilder struct {
	interaction Interaction
}

func NewInteraction(description string) InteractionBuilder {
	return InteractionBuilder{interaction: Interaction{description: description}}
}

// Given sets the provider state the interaction relies on.
func (b InteractionBuilder) Given(state string) InteractionBuilder {
	b.interaction.providerState = state
	return b
}

func (b InteractionBuilder) WithRequest(request RequestSpec) InteractionBuilder {
	b.interaction.request = request.clone()
	return b
}

func (b InteractionBuilder) WillRespondWith(response ResponseSpec) InteractionBuilder {
	b.interaction.response = response.clone()
	return b
}

// Build validates the interaction. Any problem is reported as an
// *InvalidInteractionError.
func (b InteractionBuilder) Build() (Interaction, error) {
	i := Interaction{
		description:   b.interaction.description,
		providerState: b.interaction.providerState,
		request:       b.interaction.request.clone(),
		response:      b.interaction.response.clone(),
	}
	i.request.Method = strings.ToUpper(strings.TrimSpace(i.request.Method))
	i.request.Headers = canonicalHeaders(i.request.Headers)
	i.response.Headers = canonicalHeaders(i.response.Headers)

	if err := i.Validate(); err != nil {
		return Interaction{}, err
	}
	return i, nil
}

// Validate reports whether the interaction is complete and its matchers are
// satisfiable.
func (i Interaction) Validate() error {
	invalid := func(err error) error {
		return &InvalidInteractionError{Description: i.description, Err: err}
	}

	if strings.TrimSpace(i.description) == "" {
		return invalid(errors.New("description is required"))
	}
	if i.request.Method == "" {
		return invalid(errors.New("request method is required"))
	}
	if !strings.HasPrefix(i.request.Path, "/") {
		return invalid(errors.Errorf("request path %q must start with /", i.request.Path))
	}
	if i.response.Status < 100 || i.response.Status > 599 {
		return invalid(errors.Errorf("response status %d is not a valid HTTP status", i.response.Status))
	}
	if i.request.Body != nil {
		if err := i.request.Body.Validate(); err != nil {
			return invalid(errors.Wrap(err, "request body"))
		}
	}
	if i.response.Body != nil {
		if err := i.response.Body.Validate(); err != nil {
			return invalid(errors.Wrap(err, "response body"))
		}
	}
	return nil
}

func (r RequestSpec) clone() RequestSpec {
	r.Headers = cloneHeaders(r.Headers)
	r.Body = cloneBody(r.Body)
	if len(r.Query) == 0 {
		r.Query = nil
	} else {
		query := make(url.Values, len(r.Query))
		for k, v := range r.Query {
			query[k] = append([]string(nil), v...)
		}
		r.Query = query
	}
	return r
}

func (r ResponseSpec) clone() ResponseSpec {
	r.Headers = cloneHeaders(r.Headers)
	r.Body = cloneBody(r.Body)
	return r
}

func cloneBody(body *BodyMatcher) *BodyMatcher {
	if body == nil {
		return nil
	}
	copied := *body
	return &copied
}

func cloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}

func canonicalHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[http.CanonicalHeaderKey(k)] = v
	}
	return result
}
