package fhir

import (
	"slices"
	"strings"
)

// SortSpec is one key of a _sort parameter.
type SortSpec struct {
	Field      string
	Descending bool
}

// ParseSort splits a _sort value such as "-_lastUpdated,_id". Empty keys are
// dropped.
func ParseSort(sortParam string) []SortSpec {
	var specs []SortSpec
	for _, key := range strings.Split(sortParam, ",") {
		key = strings.TrimSpace(key)
		desc := strings.HasPrefix(key, "-")
		if key = strings.TrimPrefix(key, "-"); key != "" {
			specs = append(specs, SortSpec{Field: key, Descending: desc})
		}
	}
	return specs
}

// OrderBy renders the specs naming a known column as an SQL order list.
// fallback is returned when none do.
func OrderBy(specs []SortSpec, columns map[string]string, fallback string) string {
	var parts []string
	for _, spec := range specs {
		col, ok := columns[spec.Field]
		if !ok {
			continue
		}
		if spec.Descending {
			parts = append(parts, col+" DESC")
		} else {
			parts = append(parts, col+" ASC")
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, ", ")
}

// Sorter orders in-memory search results the way OrderBy orders SQL rows.
type Sorter[T any] struct {
	// Keys holds a three-way comparison per sortable field.
	Keys map[string]func(a, b T) int
	// Default orders items when no requested field is in Keys.
	Default func(a, b T) int
	// TieBreak orders items equal on every other key.
	TieBreak func(a, b T) int
}

// Usable returns the specs whose field has a comparison.
func (s Sorter[T]) Usable(specs []SortSpec) []SortSpec {
	var out []SortSpec
	for _, spec := range specs {
		if _, ok := s.Keys[spec.Field]; ok {
			out = append(out, spec)
		}
	}
	return out
}

// Sort orders items in place. Items equal on every key keep their order.
func (s Sorter[T]) Sort(items []T, specs []SortSpec) {
	usable := s.Usable(specs)
	slices.SortStableFunc(items, func(a, b T) int {
		if len(usable) == 0 && s.Default != nil {
			if c := s.Default(a, b); c != 0 {
				return c
			}
		}
		for _, spec := range usable {
			c := s.Keys[spec.Field](a, b)
			if spec.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if s.TieBreak != nil {
			return s.TieBreak(a, b)
		}
		return 0
	})
}
