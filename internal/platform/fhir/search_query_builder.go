package fhir

import (
	"fmt"
	"net/url"
	"strings"
)

// SearchParamType selects how a search parameter maps to SQL.
type SearchParamType int

const (
	SearchParamToken  SearchParamType = iota // exact match, comma means OR
	SearchParamString                        // case-insensitive prefix, :exact and :contains
	SearchParamURI                           // exact match
)

// SearchParamConfig maps a search parameter to a column.
type SearchParamConfig struct {
	Type   SearchParamType
	Column string
}

// SearchQuery builds a parameterised WHERE clause for one table.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a query over table selecting cols.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{table: table, cols: cols, idx: 1}
}

// Add appends a raw clause whose placeholders start at the current index.
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *SearchQuery) next() string {
	p := fmt.Sprintf("$%d", q.idx)
	q.idx++
	return p
}

// ApplyParam adds the clause for one parameter. Comma separated values are ORed.
func (q *SearchQuery) ApplyParam(cfg SearchParamConfig, modifier, value string) {
	var ors []string
	for _, v := range strings.Split(value, ",") {
		if v == "" {
			continue
		}
		switch cfg.Type {
		case SearchParamString:
			switch modifier {
			case "exact":
				ors = append(ors, fmt.Sprintf("%s = %s", cfg.Column, q.next()))
				q.args = append(q.args, v)
			case "contains":
				ors = append(ors, fmt.Sprintf("%s ILIKE %s", cfg.Column, q.next()))
				q.args = append(q.args, "%"+escapeLike(v)+"%")
			default:
				ors = append(ors, fmt.Sprintf("%s ILIKE %s", cfg.Column, q.next()))
				q.args = append(q.args, escapeLike(v)+"%")
			}
		default:
			ors = append(ors, fmt.Sprintf("%s = %s", cfg.Column, q.next()))
			q.args = append(q.args, v)
		}
	}
	if len(ors) == 0 {
		return
	}
	if modifier == "not" {
		q.where += " AND NOT (" + strings.Join(ors, " OR ") + ")"
		return
	}
	q.where += " AND (" + strings.Join(ors, " OR ") + ")"
}

// ApplyParams applies every parameter with a config; others are ignored.
func (q *SearchQuery) ApplyParams(params url.Values, configs map[string]SearchParamConfig) {
	for key, values := range params {
		name, modifier, _ := strings.Cut(key, ":")
		cfg, ok := configs[name]
		if !ok {
			continue
		}
		for _, v := range values {
			q.ApplyParam(cfg, modifier, v)
		}
	}
}

// OrderBy sets the ORDER BY expression without the keyword.
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// CountSQL returns the count query.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments of the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the page query.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

// DataArgs returns the arguments of the page query.
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, 0, len(q.args)+2)
	out = append(out, q.args...)
	return append(out, limit, offset)
}

// SearchFilters drops control parameters (_count, _offset, _sort, ...) except _id.
func SearchFilters(query url.Values) url.Values {
	out := url.Values{}
	for k, v := range query {
		if strings.HasPrefix(k, "_") && k != "_id" && !strings.HasPrefix(k, "_id:") {
			continue
		}
		out[k] = v
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
