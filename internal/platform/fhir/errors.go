package fhir

import "github.com/pkg/errors"

var (
	// ErrPredicateEvaluation wraps any failure raised while evaluating one
	// subscription's criteria against one resource.
	ErrPredicateEvaluation = errors.New("criteria evaluation failed")

	// ErrUnsupportedCriteria is returned for criteria syntax the matcher does not implement.
	ErrUnsupportedCriteria = errors.New("unsupported criteria")

	// ErrInvalidCriteria is returned for criteria that cannot be parsed at all.
	ErrInvalidCriteria = errors.New("invalid criteria")
)
