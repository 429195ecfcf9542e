// Package compare turns the raw source responses for a target into a
// classified ComparisonResult.
package compare

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractErrorKind classifies why a successful response could not be read.
type ExtractErrorKind string

const (
	EmptyBody      ExtractErrorKind = "empty_body"
	FieldNotFound  ExtractErrorKind = "field_not_found"
	MalformedShape ExtractErrorKind = "malformed_shape"
)

// ExtractError is returned when a 200 response cannot be interpreted. It is
// never retried.
type ExtractError struct {
	Source string
	Kind   ExtractErrorKind
	Detail string
}

func (e *ExtractError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("compare: %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("compare: %s: %s: %s", e.Source, e.Kind, e.Detail)
}

// DefaultTagName is the assignment tag holding the comparable value.
const DefaultTagName = "Nonce"

// ExtractSourceA returns the trimmed plain-text body.
func ExtractSourceA(body string) (string, error) {
	v := strings.TrimSpace(body)
	if v == "" {
		return "", &ExtractError{Source: "source_a", Kind: EmptyBody}
	}
	return v, nil
}

// ExtractSourceB returns the value of the assignment tag called tagName.
func ExtractSourceB(body, tagName string) (string, error) {
	if !gjson.Valid(body) {
		return "", &ExtractError{Source: "source_b", Kind: MalformedShape, Detail: "body is not valid JSON"}
	}
	tags := gjson.Get(body, "assignment.tags")
	if !tags.IsArray() {
		return "", &ExtractError{Source: "source_b", Kind: MalformedShape, Detail: "assignment.tags is missing or not a list"}
	}

	var (
		value string
		found bool
	)
	tags.ForEach(func(_, tag gjson.Result) bool {
		if tag.Get("name").String() != tagName {
			return true
		}
		v := tag.Get("value")
		if !v.Exists() {
			return true
		}
		value, found = strings.TrimSpace(v.String()), true
		return false
	})
	if !found {
		return "", &ExtractError{Source: "source_b", Kind: FieldNotFound, Detail: fmt.Sprintf("no %q tag", tagName)}
	}
	return value, nil
}
