package fhir

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Criteria is a parsed "Type?param=value&..." expression.
type Criteria struct {
	ResourceType string
	Params       []SearchParam
}

// SearchParam is one query parameter. Values are alternatives (comma = OR);
// separate parameters are conjunctive.
type SearchParam struct {
	Name     string
	Modifier string
	Values   []string
}

// CriterionMatcher decides whether a resource satisfies a subscription's
// criteria. It must be side-effect free and safe for concurrent use.
type CriterionMatcher interface {
	Matches(ctx context.Context, event ResourceEvent, criteria string) (bool, error)
}

var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)

// ParseCriteria splits a FHIR subscription criteria string into resource type and parameters.
// Examples:
//
//	"Observation?code=1234&status=final" -> Observation, [code=1234, status=final]
//	"Patient" -> Patient, []
func ParseCriteria(criteria string) (Criteria, error) {
	typ, query, _ := strings.Cut(strings.TrimSpace(criteria), "?")
	typ = strings.TrimSpace(typ)
	if !resourceTypePattern.MatchString(typ) {
		return Criteria{}, errors.Wrapf(ErrInvalidCriteria, "%q does not start with a resource type", criteria)
	}
	params, err := ParseSearchQuery(query)
	if err != nil {
		return Criteria{}, err
	}
	return Criteria{ResourceType: typ, Params: params}, nil
}

// ParseSearchQuery parses a raw query string, keeping repeated parameters
// as separate entries in their original order.
func ParseSearchQuery(query string) ([]SearchParam, error) {
	var params []SearchParam
	for _, part := range strings.Split(query, "&") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		rawKey, rawValue, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidCriteria, "parameter %q has no value", part)
		}
		key, err := url.QueryUnescape(strings.TrimSpace(rawKey))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidCriteria, "parameter %q: %v", rawKey, err)
		}
		value, err := url.QueryUnescape(strings.TrimSpace(rawValue))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidCriteria, "parameter %q: %v", key, err)
		}
		name, modifier, _ := strings.Cut(key, ":")
		params = append(params, SearchParam{Name: name, Modifier: modifier, Values: splitValues(value)})
	}
	return params, nil
}

func splitValues(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type paramKind int

const (
	kindToken paramKind = iota
	kindString
	kindReference
	kindDate
)

var stringParams = map[string]bool{
	"name": true, "family": true, "given": true, "text": true, "title": true,
	"description": true, "address": true, "address-city": true, "address-state": true,
	"address-postalcode": true, "address-country": true,
}

var referenceParams = map[string]bool{
	"subject": true, "patient": true, "encounter": true, "performer": true,
	"requester": true, "author": true, "based-on": true, "part-of": true,
	"organization": true, "general-practitioner": true, "focus": true,
	"recorder": true, "asserter": true, "specimen": true, "device": true,
	"location": true, "practitioner": true, "source": true,
}

var dateParams = map[string]bool{
	"date": true, "birthdate": true, "authored": true, "issued": true,
	"onset-date": true, "recorded-date": true, "period": true, "death-date": true,
}

// searchParamPaths overrides the default kebab-to-camel element lookup.
var searchParamPaths = map[string][]string{
	"patient":            {"subject", "patient"},
	"encounter":          {"encounter", "context"},
	"practitioner":       {"performer", "practitioner"},
	"family":             {"name.family"},
	"given":              {"name.given"},
	"address-city":       {"address.city"},
	"address-state":      {"address.state"},
	"address-postalcode": {"address.postalCode"},
	"address-country":    {"address.country"},
}

func kindOf(name string) paramKind {
	switch {
	case stringParams[name]:
		return kindString
	case referenceParams[name]:
		return kindReference
	case dateParams[name]:
		return kindDate
	default:
		return kindToken
	}
}

// CheckSupported reports whether every parameter can be evaluated in memory.
func CheckSupported(params []SearchParam) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
	}
	return nil
}

func checkParam(p SearchParam) error {
	if p.Name == "" {
		return errors.Wrap(ErrInvalidCriteria, "empty parameter name")
	}
	if len(p.Values) == 0 {
		return errors.Wrapf(ErrInvalidCriteria, "parameter %q has no value", p.Name)
	}
	if p.Name == "_id" {
		if p.Modifier != "" && p.Modifier != "not" {
			return errors.Wrapf(ErrUnsupportedCriteria, "modifier :%s on _id", p.Modifier)
		}
		return nil
	}
	if strings.HasPrefix(p.Name, "_") {
		return errors.Wrapf(ErrUnsupportedCriteria, "parameter %s", p.Name)
	}
	if strings.Contains(p.Name, ".") || strings.Contains(p.Modifier, ".") {
		return errors.Wrapf(ErrUnsupportedCriteria, "chained parameter %s", p.Name)
	}
	if p.Modifier == "missing" {
		if v := p.Values[0]; len(p.Values) != 1 || (v != "true" && v != "false") {
			return errors.Wrapf(ErrInvalidCriteria, "%s:missing expects true or false", p.Name)
		}
		return nil
	}

	kind := kindOf(p.Name)
	switch kind {
	case kindDate:
		return errors.Wrapf(ErrUnsupportedCriteria, "date parameter %s", p.Name)
	case kindString:
		if p.Modifier != "" && p.Modifier != "exact" && p.Modifier != "contains" {
			return errors.Wrapf(ErrUnsupportedCriteria, "modifier :%s on %s", p.Modifier, p.Name)
		}
	case kindReference:
		if p.Modifier != "" && !resourceTypePattern.MatchString(p.Modifier) {
			return errors.Wrapf(ErrUnsupportedCriteria, "modifier :%s on %s", p.Modifier, p.Name)
		}
	default:
		if p.Modifier != "" && p.Modifier != "not" {
			return errors.Wrapf(ErrUnsupportedCriteria, "modifier :%s on %s", p.Modifier, p.Name)
		}
	}
	return nil
}

// SearchMatcher evaluates token, string and reference parameters directly
// against the resource JSON.
type SearchMatcher struct{}

// NewSearchMatcher creates the default in-memory criterion matcher.
func NewSearchMatcher() *SearchMatcher {
	return &SearchMatcher{}
}

// Validate checks that criteria parse and only use supported parameters.
func (m *SearchMatcher) Validate(criteria string) error {
	c, err := ParseCriteria(criteria)
	if err != nil {
		return err
	}
	return CheckSupported(c.Params)
}

// Matches implements CriterionMatcher.
func (m *SearchMatcher) Matches(_ context.Context, event ResourceEvent, criteria string) (bool, error) {
	c, err := ParseCriteria(criteria)
	if err != nil {
		return false, err
	}
	if err := CheckSupported(c.Params); err != nil {
		return false, err
	}
	if c.ResourceType != event.ResourceType {
		return false, nil
	}
	if len(c.Params) == 0 {
		return true, nil
	}

	var resource map[string]interface{}
	if err := json.Unmarshal(event.Resource, &resource); err != nil {
		return false, errors.Wrapf(err, "decode %s", event.Reference())
	}
	return MatchResource(resource, c.Params), nil
}

// MatchResource applies already validated parameters to a decoded resource.
func MatchResource(resource map[string]interface{}, params []SearchParam) bool {
	for _, p := range params {
		if !matchParam(resource, p) {
			return false
		}
	}
	return true
}

func matchParam(resource map[string]interface{}, p SearchParam) bool {
	if p.Name == "_id" {
		id, _ := resource["id"].(string)
		return containsString(p.Values, id) != (p.Modifier == "not")
	}

	elements := collect(resource, elementPaths(p.Name))
	if p.Modifier == "missing" {
		return (len(elements) == 0) == (p.Values[0] == "true")
	}

	switch kindOf(p.Name) {
	case kindString:
		return anyMatch(elements, p.Values, func(el interface{}, q string) bool {
			return stringMatches(el, q, p.Modifier)
		})
	case kindReference:
		values := p.Values
		if p.Modifier != "" {
			values = make([]string, len(p.Values))
			for i, v := range p.Values {
				values[i] = p.Modifier + "/" + v
			}
		}
		return anyMatch(elements, values, referenceMatches)
	default:
		matched := anyMatch(elements, p.Values, tokenMatches)
		if p.Modifier == "not" {
			return !matched
		}
		return matched
	}
}

func anyMatch(elements []interface{}, values []string, fn func(interface{}, string) bool) bool {
	for _, el := range elements {
		for _, v := range values {
			if fn(el, v) {
				return true
			}
		}
	}
	return false
}

func elementPaths(name string) []string {
	if paths, ok := searchParamPaths[name]; ok {
		return paths
	}
	return []string{kebabToCamel(name)}
}

func kebabToCamel(s string) string {
	parts := strings.Split(s, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// collect walks dotted element paths, flattening arrays at every step.
func collect(resource map[string]interface{}, paths []string) []interface{} {
	var out []interface{}
	for _, path := range paths {
		current := []interface{}{resource}
		for _, seg := range strings.Split(path, ".") {
			var next []interface{}
			for _, c := range current {
				if m, ok := c.(map[string]interface{}); ok {
					next = appendFlat(next, m[seg])
				}
			}
			current = next
		}
		out = append(out, current...)
	}
	return out
}

func appendFlat(dst []interface{}, v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return dst
	case []interface{}:
		for _, e := range t {
			dst = appendFlat(dst, e)
		}
		return dst
	default:
		return append(dst, v)
	}
}

// tokenMatches handles code, system|code, |code and system| against
// primitives, Coding, CodeableConcept, Identifier and ContactPoint.
func tokenMatches(el interface{}, query string) bool {
	switch t := el.(type) {
	case string:
		return primitiveToken(t, query)
	case bool:
		return primitiveToken(strconv.FormatBool(t), query)
	case float64:
		return primitiveToken(strconv.FormatFloat(t, 'f', -1, 64), query)
	case map[string]interface{}:
		if codings, ok := t["coding"].([]interface{}); ok {
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok && systemValueMatches(cm, "code", query) {
					return true
				}
			}
			return false
		}
		if _, ok := t["code"]; ok {
			return systemValueMatches(t, "code", query)
		}
		if _, ok := t["value"]; ok {
			return systemValueMatches(t, "value", query)
		}
	}
	return false
}

func primitiveToken(value, query string) bool {
	_, code, hasSystem := strings.Cut(query, "|")
	if !hasSystem {
		return value == query
	}
	return code != "" && value == code
}

func systemValueMatches(m map[string]interface{}, valueKey, query string) bool {
	system, _ := m["system"].(string)
	value, _ := m[valueKey].(string)

	qSystem, qCode, hasSystem := strings.Cut(query, "|")
	switch {
	case !hasSystem:
		return value == qSystem
	case qSystem == "":
		return system == "" && value == qCode
	case qCode == "":
		return system == qSystem
	default:
		return system == qSystem && value == qCode
	}
}

func stringMatches(el interface{}, query, modifier string) bool {
	for _, s := range stringLeaves(el) {
		switch modifier {
		case "exact":
			if s == query {
				return true
			}
		case "contains":
			if strings.Contains(strings.ToLower(s), strings.ToLower(query)) {
				return true
			}
		default:
			if strings.HasPrefix(strings.ToLower(s), strings.ToLower(query)) {
				return true
			}
		}
	}
	return false
}

func stringLeaves(el interface{}) []string {
	switch t := el.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, e := range t {
			out = append(out, stringLeaves(e)...)
		}
		return out
	case map[string]interface{}:
		var out []string
		for k, v := range t {
			if k == "use" || k == "period" || k == "type" {
				continue
			}
			out = append(out, stringLeaves(v)...)
		}
		return out
	}
	return nil
}

// referenceMatches accepts "Type/id", a bare id, or an absolute URL ending in either.
func referenceMatches(el interface{}, query string) bool {
	var ref string
	switch t := el.(type) {
	case string:
		ref = t
	case map[string]interface{}:
		ref, _ = t["reference"].(string)
	}
	if ref == "" {
		return false
	}
	return ref == query || strings.HasSuffix(ref, "/"+query)
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
