package pactmock

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the runtime kind of a JSON value.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindNull, KindObject, KindArray:
		return true
	}
	return false
}

// Rule identifies which check a BodyMatcher node applies.
type Rule int

const (
	RuleLiteral Rule = iota + 1
	RuleRegex
	RuleType
	RuleObject
	RuleArray
)

func (r Rule) String() string {
	switch r {
	case RuleLiteral:
		return "literal"
	case RuleRegex:
		return "regex"
	case RuleType:
		return "type"
	case RuleObject:
		return "object"
	case RuleArray:
		return "array"
	}
	return "unknown"
}

// BodyMatcher is a tree mirroring a JSON document. Leaves are literal, regex or
// type rules carrying an example value; inner nodes are objects and arrays.
// A BodyMatcher is immutable; the constructors below are the only way to build one.
type BodyMatcher struct {
	rule    Rule
	value   interface{}
	pattern string
	kind    Kind
	fields  map[string]BodyMatcher
	items   []BodyMatcher
	err     error
}

// Literal matches a value by deep equality. Maps and slices are expanded into
// object and array nodes whose leaves are literals.
func Literal(v interface{}) BodyMatcher {
	switch v.(type) {
	case BodyMatcher, *BodyMatcher:
		return MatcherFrom(v)
	}
	rv := reflect.ValueOf(v)
	if v != nil && (rv.Kind() == reflect.Map || isList(rv)) {
		return MatcherFrom(v)
	}
	value, err := normalizeScalar(v)
	return BodyMatcher{rule: RuleLiteral, value: value, err: err}
}

// Regex matches the stringified value against pattern. The example is served
// in responses and must itself satisfy the pattern.
func Regex(example interface{}, pattern string) BodyMatcher {
	value, err := normalizeScalar(example)
	return BodyMatcher{rule: RuleRegex, value: value, pattern: pattern, err: err}
}

// Like matches any value of the same kind as example.
func Like(example interface{}) BodyMatcher {
	value, err := plainValue(example)
	return BodyMatcher{rule: RuleType, value: value, kind: kindOf(value), err: err}
}

// TypeOf matches any value of the given kind.
func TypeOf(kind Kind, example interface{}) BodyMatcher {
	value, err := plainValue(example)
	return BodyMatcher{rule: RuleType, value: value, kind: kind, err: err}
}

// Object matches a JSON object whose declared fields all match. Extra fields
// on the actual object are ignored.
func Object(fields map[string]BodyMatcher) BodyMatcher {
	copied := make(map[string]BodyMatcher, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return BodyMatcher{rule: RuleObject, fields: copied}
}

// Array matches a JSON array of exactly len(items) elements, element-wise.
func Array(items ...BodyMatcher) BodyMatcher {
	copied := make([]BodyMatcher, len(items))
	copy(copied, items)
	return BodyMatcher{rule: RuleArray, items: copied}
}

// MatcherFrom converts a JSON-like value into a matcher tree. Embedded
// BodyMatcher values are kept as they are; anything else becomes a literal.
func MatcherFrom(v interface{}) BodyMatcher {
	switch val := v.(type) {
	case BodyMatcher:
		return val
	case *BodyMatcher:
		if val == nil {
			return Literal(nil)
		}
		return *val
	case nil:
		return Literal(nil)
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return BodyMatcher{rule: RuleObject, err: errors.Errorf("unsupported map key type %s", rv.Type().Key())}
		}
		fields := make(map[string]BodyMatcher, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			fields[iter.Key().String()] = MatcherFrom(iter.Value().Interface())
		}
		return BodyMatcher{rule: RuleObject, fields: fields}
	case isList(rv):
		items := make([]BodyMatcher, rv.Len())
		for i := range items {
			items[i] = MatcherFrom(rv.Index(i).Interface())
		}
		return BodyMatcher{rule: RuleArray, items: items}
	}
	return Literal(v)
}

func isList(rv reflect.Value) bool {
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	return rv.Type().Elem().Kind() != reflect.Uint8
}

func (m BodyMatcher) Rule() Rule { return m.rule }

func (m BodyMatcher) Kind() Kind { return m.kind }

func (m BodyMatcher) Pattern() string { return m.pattern }

// Value is a copy of the literal or example value of a leaf.
func (m BodyMatcher) Value() interface{} { return copyValue(m.value) }

// Fields returns a copy of the children of an object node.
func (m BodyMatcher) Fields() map[string]BodyMatcher {
	if m.fields == nil {
		return nil
	}
	copied := make(map[string]BodyMatcher, len(m.fields))
	for k, v := range m.fields {
		copied[k] = v
	}
	return copied
}

// FieldNames returns object keys in sorted order.
func (m BodyMatcher) FieldNames() []string {
	names := make([]string, 0, len(m.fields))
	for k := range m.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Items returns a copy of the children of an array node.
func (m BodyMatcher) Items() []BodyMatcher {
	if m.items == nil {
		return nil
	}
	copied := make([]BodyMatcher, len(m.items))
	copy(copied, m.items)
	return copied
}

// Example builds a plain JSON value satisfying the tree, used for canned
// responses and documentation.
func (m BodyMatcher) Example() interface{} {
	switch m.rule {
	case RuleObject:
		obj := make(map[string]interface{}, len(m.fields))
		for k, f := range m.fields {
			obj[k] = f.Example()
		}
		return obj
	case RuleArray:
		arr := make([]interface{}, len(m.items))
		for i, item := range m.items {
			arr[i] = item.Example()
		}
		return arr
	}
	return copyValue(m.value)
}

// copyValue deep-copies the maps and slices of a JSON value tree.
func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if val == nil {
			return val
		}
		copied := make(map[string]interface{}, len(val))
		for k, item := range val {
			copied[k] = copyValue(item)
		}
		return copied
	case []interface{}:
		if val == nil {
			return val
		}
		copied := make([]interface{}, len(val))
		for i, item := range val {
			copied[i] = copyValue(item)
		}
		return copied
	}
	return v
}

// Validate checks that every leaf is satisfiable by its own example.
func (m BodyMatcher) Validate() error {
	return m.validate("$.body")
}

func (m BodyMatcher) validate(path string) error {
	if m.err != nil {
		return errors.Wrapf(m.err, "matcher at %s", path)
	}

	switch m.rule {
	case RuleLiteral:
		if k := kindOf(m.value); k == KindObject || k == KindArray {
			return errors.Errorf("literal at %s must be a scalar", path)
		}
	case RuleRegex:
		re, err := compilePattern(m.pattern)
		if err != nil {
			return errors.Wrapf(err, "invalid regex %q at %s", m.pattern, path)
		}
		if k := kindOf(m.value); k == KindObject || k == KindArray {
			return errors.Errorf("regex example at %s must be a scalar", path)
		}
		if !re.MatchString(stringify(m.value)) {
			return errors.Errorf("example %q at %s does not match its own pattern %q", stringify(m.value), path, m.pattern)
		}
	case RuleType:
		if !m.kind.valid() {
			return errors.Errorf("unknown kind %q at %s", m.kind, path)
		}
		if actual := kindOf(m.value); actual != m.kind {
			return errors.Errorf("example at %s is %s but the matcher expects %s", path, actual, m.kind)
		}
	case RuleObject:
		for _, name := range m.FieldNames() {
			if err := m.fields[name].validate(FieldPath(path, name)); err != nil {
				return err
			}
		}
	case RuleArray:
		for i, item := range m.items {
			if err := item.validate(IndexPath(path, i)); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("empty matcher at %s", path)
	}
	return nil
}

// mismatches returns every reason actual does not satisfy the tree. An empty
// result is a match.
func (m BodyMatcher) mismatches(path string, actual interface{}, present bool) []string {
	if !present {
		return []string{fmt.Sprintf("%s: expected a value but none was present", path)}
	}

	switch m.rule {
	case RuleLiteral:
		if !literalEqual(m.value, actual) {
			return []string{fmt.Sprintf("%s: expected %s but received %s", path, render(m.value), render(actual))}
		}
	case RuleRegex:
		re, err := compilePattern(m.pattern)
		if err != nil {
			return []string{fmt.Sprintf("%s: invalid regex %q", path, m.pattern)}
		}
		if k := kindOf(actual); k == KindObject || k == KindArray || !re.MatchString(stringify(actual)) {
			return []string{fmt.Sprintf("%s: %s does not match regex %q", path, render(actual), m.pattern)}
		}
	case RuleType:
		if k := kindOf(actual); k != m.kind {
			return []string{fmt.Sprintf("%s: expected a %s but received %s %s", path, m.kind, k, render(actual))}
		}
	case RuleObject:
		obj, ok := actual.(map[string]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected an object but received %s", path, kindOf(actual))}
		}
		var result []string
		for _, name := range m.FieldNames() {
			value, found := obj[name]
			result = append(result, m.fields[name].mismatches(FieldPath(path, name), value, found)...)
		}
		return result
	case RuleArray:
		arr, ok := actual.([]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected an array but received %s", path, kindOf(actual))}
		}
		if len(arr) != len(m.items) {
			return []string{fmt.Sprintf("%s: expected %d elements but received %d", path, len(m.items), len(arr))}
		}
		var result []string
		for i, item := range m.items {
			result = append(result, item.mismatches(IndexPath(path, i), arr[i], true)...)
		}
		return result
	default:
		return []string{fmt.Sprintf("%s: empty matcher", path)}
	}
	return nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldPath appends an object key to a JSON path, using bracket notation for
// keys that are not plain identifiers.
func FieldPath(parent, key string) string {
	if identifier.MatchString(key) {
		return parent + "." + key
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(key)
	return parent + "['" + escaped + "']"
}

// IndexPath appends an array index to a JSON path.
func IndexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

func kindOf(v interface{}) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case bool:
		return KindBoolean
	case map[string]interface{}:
		return KindObject
	case []interface{}:
		return KindArray
	}
	if isNumber(v) {
		return KindNumber
	}
	return Kind(fmt.Sprintf("%T", v))
}

// numberText returns the decimal text of a numeric value. json.Number keeps
// the text it was decoded from.
func numberText(v interface{}) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return string(n), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32), true
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(n).Int(), 10), true
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(n).Uint(), 10), true
	}
	return "", false
}

func isNumber(v interface{}) bool {
	_, ok := numberText(v)
	return ok
}

// numbersEqual compares two numbers exactly, so 99999 equals 99999.0 but
// integers beyond float64 precision stay distinct.
func numbersEqual(a, b string) bool {
	if a == b {
		return true
	}
	x, ok := new(big.Rat).SetString(a)
	if !ok {
		return false
	}
	y, ok := new(big.Rat).SetString(b)
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}

// literalEqual compares scalars; numbers compare by value so 99999 equals 99999.0.
func literalEqual(expected, actual interface{}) bool {
	if e, ok := numberText(expected); ok {
		a, ok := numberText(actual)
		return ok && numbersEqual(e, a)
	}
	switch e := expected.(type) {
	case nil:
		return actual == nil
	case string:
		a, ok := actual.(string)
		return ok && a == e
	case bool:
		a, ok := actual.(bool)
		return ok && a == e
	}
	return false
}

// stringify renders a value the way regex rules see it. Numbers keep their
// JSON text.
func stringify(v interface{}) string {
	if n, ok := numberText(v); ok {
		return n
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func render(v interface{}) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return stringify(v)
}

func normalizeScalar(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, string, bool:
		return val, nil
	case json.Number:
		if _, ok := new(big.Rat).SetString(string(val)); !ok {
			return nil, errors.Errorf("invalid number %q", string(val))
		}
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, errors.Errorf("number %v is not representable in JSON", val)
		}
		return json.Number(strconv.FormatFloat(val, 'f', -1, 64)), nil
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Errorf("number %v is not representable in JSON", val)
		}
		return json.Number(strconv.FormatFloat(f, 'f', -1, 32)), nil
	case int, int8, int16, int32, int64:
		return json.Number(strconv.FormatInt(reflect.ValueOf(val).Int(), 10)), nil
	case uint, uint8, uint16, uint32, uint64:
		return json.Number(strconv.FormatUint(reflect.ValueOf(val).Uint(), 10)), nil
	}
	return nil, errors.Errorf("unsupported value of type %T", v)
}

// plainValue converts v into a JSON value tree of maps, slices and normalised
// scalars. Embedded matchers contribute their example.
func plainValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case BodyMatcher:
		if err := val.Validate(); err != nil {
			return nil, err
		}
		return val.Example(), nil
	case *BodyMatcher:
		if val == nil {
			return nil, nil
		}
		return plainValue(*val)
	case nil:
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		obj := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			value, err := plainValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			obj[iter.Key().String()] = value
		}
		return obj, nil
	case isList(rv):
		arr := make([]interface{}, rv.Len())
		for i := range arr {
			value, err := plainValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			arr[i] = value
		}
		return arr, nil
	}
	return normalizeScalar(v)
}
