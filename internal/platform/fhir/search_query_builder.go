package fhir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// SearchParamType defines the FHIR search parameter type.
type SearchParamType int

const (
	SearchParamToken     SearchParamType = iota // exact match or system|code
	SearchParamDate                             // supports prefixes (gt, lt, ge, le, eq, ...)
	SearchParamReference                        // "ResourceType/uuid" or "uuid"
	SearchParamNumber                           // supports prefixes (gt, lt, ge, le, eq, ...)
)

// SearchParamConfig maps a FHIR search parameter to its database representation.
type SearchParamConfig struct {
	Type      SearchParamType
	Column    string
	SysColumn string
}

// SearchQuery builds SQL WHERE clauses from FHIR search parameters.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a new SearchQuery for the given table and columns.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *SearchQuery) append(clause string, args []interface{}, nextIdx int) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx = nextIdx
}

// ApplyParam applies a single FHIR search parameter using the config.
func (q *SearchQuery) ApplyParam(config SearchParamConfig, value string) error {
	switch config.Type {
	case SearchParamDate:
		clause, args, next, err := DateSearchClause(config.Column, value, q.idx)
		if err != nil {
			return err
		}
		q.append(clause, args, next)
	case SearchParamReference:
		clause, args, next, err := ReferenceSearchClause(config.Column, value, q.idx)
		if err != nil {
			return err
		}
		q.append(clause, args, next)
	case SearchParamNumber:
		clause, args, next, err := NumberSearchClause(config.Column, value, q.idx)
		if err != nil {
			return err
		}
		q.append(clause, args, next)
	default:
		q.append(TokenSearchClause(config.SysColumn, config.Column, value, q.idx))
	}
	return nil
}

// ApplyParams applies all matching FHIR search parameters from the given map.
// Parameters are applied in name order so the generated SQL is stable.
func (q *SearchQuery) ApplyParams(params map[string]string, configs map[string]SearchParamConfig) error {
	names := make([]string, 0, len(params))
	for name := range params {
		if _, ok := configs[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := q.ApplyParam(configs[name], params[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ApplySort processes the _sort parameter and sets ORDER BY using config column mappings.
// The _sort value is a comma-separated list of param names, optionally prefixed with - for DESC.
func (q *SearchQuery) ApplySort(sortParam, defaultOrder string, configs map[string]SearchParamConfig) {
	var parts []string
	for _, field := range strings.Split(sortParam, ",") {
		field = strings.TrimSpace(field)
		dir := " ASC"
		if strings.HasPrefix(field, "-") {
			dir = " DESC"
			field = field[1:]
		}
		if config, ok := configs[field]; ok {
			parts = append(parts, config.Column+dir)
		}
	}
	if len(parts) > 0 {
		q.orderBy = strings.Join(parts, ", ")
	} else {
		q.orderBy = defaultOrder
	}
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// ExtractSearchParams extracts FHIR search parameters from the query string,
// excluding control parameters (_count, _offset, _sort, ...).
func ExtractSearchParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) == 0 || strings.HasPrefix(k, "_") {
			continue
		}
		params[k] = v[0]
	}
	return params
}
