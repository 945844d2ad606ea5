// Package contract reads and writes pact specification v2 contract files.
package contract

import (
	"bytes"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	SpecificationVersion = "2.0.0"

	bodyPath   = "$.body"
	matchRegex = "regex"
	matchType  = "type"
)

// Contract is the set of interactions one consumer expects from one provider.
type Contract struct {
	Consumer     string
	Provider     string
	Interactions []pactmock.Interaction
}

type interactionSource interface {
	Interactions() []pactmock.Interaction
}

// FromProvider captures the interactions registered on a mock provider.
func FromProvider(consumer, provider string, source interactionSource) Contract {
	return Contract{
		Consumer:     consumer,
		Provider:     provider,
		Interactions: source.Interactions(),
	}
}

type document struct {
	Consumer     pacticipant           `json:"consumer"`
	Provider     pacticipant           `json:"provider"`
	Interactions []interactionDocument `json:"interactions"`
	Metadata     metadata              `json:"metadata"`
}

type pacticipant struct {
	Name string `json:"name"`
}

type metadata struct {
	PactSpecification specification `json:"pactSpecification"`
}

type specification struct {
	Version string `json:"version"`
}

type interactionDocument struct {
	Description   string           `json:"description"`
	ProviderState string           `json:"providerState,omitempty"`
	Request       requestDocument  `json:"request"`
	Response      responseDocument `json:"response"`
}

type requestDocument struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         json.RawMessage   `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	MatchingRules matchingRules     `json:"matchingRules,omitempty"`
}

type responseDocument struct {
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	MatchingRules matchingRules     `json:"matchingRules,omitempty"`
}

type matchingRules map[string]matchingRule

type matchingRule struct {
	Match string `json:"match,omitempty"`
	Regex string `json:"regex,omitempty"`
	Min   *int   `json:"min,omitempty"`
	Max   *int   `json:"max,omitempty"`
}

// Write renders c as an indented pact v2 document. Object keys are sorted and
// interactions keep their order, so equal contracts produce equal bytes.
func Write(c Contract) ([]byte, error) {
	if c.Consumer == "" || c.Provider == "" {
		return nil, errors.New("contract requires a consumer and a provider name")
	}

	doc := document{
		Consumer:     pacticipant{Name: c.Consumer},
		Provider:     pacticipant{Name: c.Provider},
		Interactions: make([]interactionDocument, 0, len(c.Interactions)),
		Metadata:     metadata{PactSpecification: specification{Version: SpecificationVersion}},
	}
	for _, i := range c.Interactions {
		if err := i.Validate(); err != nil {
			return nil, err
		}
		d, err := newInteractionDocument(i)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to write interaction '%s'", i.Description())
		}
		doc.Interactions = append(doc.Interactions, d)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode contract")
	}
	return append(data, '\n'), nil
}

func newInteractionDocument(i pactmock.Interaction) (interactionDocument, error) {
	req := i.Request()
	resp := i.Response()

	d := interactionDocument{
		Description:   i.Description(),
		ProviderState: i.ProviderState(),
		Request: requestDocument{
			Method:        req.Method,
			Path:          req.Path,
			Headers:       req.Headers,
			MatchingRules: rulesFor(req.Body),
		},
		Response: responseDocument{
			Status:        resp.Status,
			Headers:       resp.Headers,
			MatchingRules: rulesFor(resp.Body),
		},
	}

	var err error
	if len(req.Query) > 0 {
		if d.Request.Query, err = json.Marshal(req.Query.Encode()); err != nil {
			return interactionDocument{}, err
		}
	}
	if d.Request.Body, err = encodeBody(req.Body); err != nil {
		return interactionDocument{}, err
	}
	if d.Response.Body, err = encodeBody(resp.Body); err != nil {
		return interactionDocument{}, err
	}
	return d, nil
}

func encodeBody(m *pactmock.BodyMatcher) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m.Example())
}

func rulesFor(m *pactmock.BodyMatcher) matchingRules {
	if m == nil {
		return nil
	}
	rules := matchingRules{}
	collectRules(bodyPath, *m, rules)
	if len(rules) == 0 {
		return nil
	}
	return rules
}

func collectRules(path string, m pactmock.BodyMatcher, rules matchingRules) {
	switch m.Rule() {
	case pactmock.RuleRegex:
		rules[path] = matchingRule{Match: matchRegex, Regex: m.Pattern()}
	case pactmock.RuleType:
		rules[path] = matchingRule{Match: matchType}
	case pactmock.RuleObject:
		for name, field := range m.Fields() {
			collectRules(pactmock.FieldPath(path, name), field, rules)
		}
	case pactmock.RuleArray:
		for i, item := range m.Items() {
			collectRules(pactmock.IndexPath(path, i), item, rules)
		}
	}
}

// Read parses a pact v2 document. It fails with a *SchemaError when the
// document is malformed and a *pactmock.InvalidInteractionError when an
// interaction cannot be built from it.
func Read(data []byte) (Contract, error) {
	raw, err := decode(data)
	if err != nil {
		return Contract{}, errors.Wrap(err, "contract is not valid JSON")
	}
	if err := validateDocument(raw); err != nil {
		return Contract{}, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Contract{}, errors.Wrap(err, "unable to decode contract")
	}

	c := Contract{Consumer: doc.Consumer.Name, Provider: doc.Provider.Name}
	seen := make(map[string]bool, len(doc.Interactions))
	for _, d := range doc.Interactions {
		if seen[d.Description] {
			return Contract{}, &pactmock.InvalidInteractionError{
				Description: d.Description,
				Err:         errors.New("description is used by more than one interaction"),
			}
		}
		seen[d.Description] = true

		i, err := d.interaction()
		if err != nil {
			return Contract{}, err
		}
		c.Interactions = append(c.Interactions, i)
	}
	return c, nil
}

// ReadFile reads a contract from a .json, .yaml or .yml file.
func ReadFile(path string) (Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, errors.Wrapf(err, "unable to read contract %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Contract{}, errors.Wrapf(err, "unable to parse contract %s", path)
		}
		if data, err = json.Marshal(doc); err != nil {
			return Contract{}, errors.Wrapf(err, "unable to convert contract %s to JSON", path)
		}
	default:
		return Contract{}, errors.Errorf("unsupported contract file type %q", filepath.Ext(path))
	}

	c, err := Read(data)
	if err != nil {
		return Contract{}, errors.Wrapf(err, "contract %s", path)
	}
	return c, nil
}

func (d interactionDocument) interaction() (pactmock.Interaction, error) {
	invalid := func(err error) error {
		return &pactmock.InvalidInteractionError{Description: d.Description, Err: err}
	}

	query, err := decodeQuery(d.Request.Query)
	if err != nil {
		return pactmock.Interaction{}, invalid(err)
	}
	reqBody, err := decodeBodyMatcher(d.Request.Body, d.Request.MatchingRules)
	if err != nil {
		return pactmock.Interaction{}, invalid(errors.Wrap(err, "request"))
	}
	respBody, err := decodeBodyMatcher(d.Response.Body, d.Response.MatchingRules)
	if err != nil {
		return pactmock.Interaction{}, invalid(errors.Wrap(err, "response"))
	}

	return pactmock.NewInteraction(d.Description).
		Given(d.ProviderState).
		WithRequest(pactmock.RequestSpec{
			Method:  d.Request.Method,
			Path:    d.Request.Path,
			Query:   query,
			Headers: d.Request.Headers,
			Body:    reqBody,
		}).
		WillRespondWith(pactmock.ResponseSpec{
			Status:  d.Response.Status,
			Headers: d.Response.Headers,
			Body:    respBody,
		}).
		Build()
}

// decodeQuery accepts the v2 query string and the v3 map of value lists.
func decodeQuery(raw json.RawMessage) (url.Values, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		query, err := url.ParseQuery(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid query %q", s)
		}
		return query, nil
	}
	var query url.Values
	if err := json.Unmarshal(raw, &query); err != nil {
		return nil, errors.Wrap(err, "invalid query")
	}
	return query, nil
}

func decodeBodyMatcher(raw json.RawMessage, rules matchingRules) (*pactmock.BodyMatcher, error) {
	for path := range rules {
		if !isBodyPath(path) {
			log.Warnf("ignoring matching rule at %s, only body rules are supported", path)
		}
	}
	if len(raw) == 0 {
		for path := range rules {
			if isBodyPath(path) {
				return nil, errors.Errorf("matching rule %s has no body to apply to", path)
			}
		}
		return nil, nil
	}

	body, err := decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid body")
	}

	used := make(map[string]bool, len(rules))
	m, err := buildMatcher(bodyPath, body, rules, used)
	if err != nil {
		return nil, err
	}

	root := map[string]interface{}{"body": body}
	for path := range rules {
		if !isBodyPath(path) || used[path] {
			continue
		}
		if _, err := jsonpath.Get(path, root); err != nil {
			return nil, errors.Wrapf(err, "matching rule %s does not resolve against the body", path)
		}
		log.Warnf("ignoring matching rule at %s, the path form is not supported", path)
	}
	return &m, nil
}

func buildMatcher(path string, value interface{}, rules matchingRules, used map[string]bool) (pactmock.BodyMatcher, error) {
	if rule, at, ok := rules.lookup(path); ok {
		used[at] = true
		switch rule.kind() {
		case matchRegex:
			return pactmock.Regex(value, rule.Regex), nil
		case matchType:
			return pactmock.Like(value), nil
		}
		return pactmock.BodyMatcher{}, errors.Errorf("unsupported matching rule %q at %s", rule.Match, at)
	}

	switch v := value.(type) {
	case map[string]interface{}:
		fields := make(map[string]pactmock.BodyMatcher, len(v))
		for name, child := range v {
			m, err := buildMatcher(pactmock.FieldPath(path, name), child, rules, used)
			if err != nil {
				return pactmock.BodyMatcher{}, err
			}
			fields[name] = m
		}
		return pactmock.Object(fields), nil
	case []interface{}:
		items := make([]pactmock.BodyMatcher, len(v))
		for i, child := range v {
			m, err := buildMatcher(pactmock.IndexPath(path, i), child, rules, used)
			if err != nil {
				return pactmock.BodyMatcher{}, err
			}
			items[i] = m
		}
		return pactmock.Array(items...), nil
	}
	return pactmock.Literal(value), nil
}

var arrayIndex = regexp.MustCompile(`\[\d+\]`)

// lookup finds the rule for path, falling back to the form with every array
// index replaced by [*].
func (r matchingRules) lookup(path string) (matchingRule, string, bool) {
	if rule, ok := r[path]; ok {
		return rule, path, true
	}
	wildcard := arrayIndex.ReplaceAllString(path, "[*]")
	if wildcard != path {
		if rule, ok := r[wildcard]; ok {
			return rule, wildcard, true
		}
	}
	return matchingRule{}, "", false
}

func (r matchingRule) kind() string {
	if r.Match == "" && r.Regex != "" {
		return matchRegex
	}
	return r.Match
}

func isBodyPath(path string) bool {
	return path == bodyPath || strings.HasPrefix(path, bodyPath+".") || strings.HasPrefix(path, bodyPath+"[")
}

func decode(data []byte) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var v interface{}
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("unexpected data after JSON document")
	}
	return v, nil
}
