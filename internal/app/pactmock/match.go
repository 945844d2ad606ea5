package pactmock

import (
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"
)

// Match returns the first interaction, in registration order, whose
// RequestSpec accepts candidate. Overlapping interactions are resolved by that order alone,
// so more specific interactions must be registered before general ones.
func Match(candidate Request, interactions []Interaction) (Interaction, bool) {
	for _, i := range interactions {
		if len(requestMismatches(i.request, candidate)) == 0 {
			return i, true
		}
	}
	return Interaction{}, false
}

// Explain lists why candidate does not satisfy the interaction. It returns
// nil when it does.
func Explain(candidate Request, interaction Interaction) []string {
	return requestMismatches(interaction.request, candidate)
}

func requestMismatches(spec RequestSpec, candidate Request) []string {
	var result []string

	if !strings.EqualFold(spec.Method, candidate.Method) {
		result = append(result, fmt.Sprintf("method: expected %s but received %s", spec.Method, candidate.Method))
	}
	if spec.Path != candidate.Path {
		result = append(result, fmt.Sprintf("path: expected %q but received %q", spec.Path, candidate.Path))
	}

	keys := make([]string, 0, len(spec.Query))
	for k := range spec.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !equalStrings(spec.Query[k], candidate.Query[k]) {
			result = append(result, fmt.Sprintf("query %s: expected %v but received %v", k, spec.Query[k], candidate.Query[k]))
		}
	}

	names := make([]string, 0, len(spec.Headers))
	for k := range spec.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		expected := spec.Headers[name]
		actual, ok := lookupHeader(candidate.Headers, name)
		if !ok {
			result = append(result, fmt.Sprintf("header %s: expected %q but it was missing", name, expected))
			continue
		}
		if !headerMatches(name, expected, actual) {
			result = append(result, fmt.Sprintf("header %s: expected %q but received %q", name, expected, actual))
		}
	}

	if spec.Body != nil {
		result = append(result, spec.Body.mismatches("$.body", candidate.Body, candidate.hasBody())...)
	}
	return result
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// headerMatches compares Content-Type by media type and expected parameters;
// other headers compare after trimming whitespace around list separators.
func headerMatches(name, expected, actual string) bool {
	if strings.EqualFold(name, "Content-Type") {
		expectedType, expectedParams, errExpected := mime.ParseMediaType(expected)
		actualType, actualParams, errActual := mime.ParseMediaType(actual)
		if errExpected == nil && errActual == nil {
			if expectedType != actualType {
				return false
			}
			for k, v := range expectedParams {
				if !strings.EqualFold(actualParams[k], v) {
					return false
				}
			}
			return true
		}
	}
	return normalizeHeaderValue(expected) == normalizeHeaderValue(actual)
}

func normalizeHeaderValue(v string) string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
