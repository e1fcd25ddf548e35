package warehouse

import (
	"sort"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Columns returns the sorted union of the keys of rows.
func Columns(rows []Row) []string {
	set := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			set[k] = struct{}{}
		}
	}

	cols := lo.Keys(set)
	sort.Strings(cols)
	return cols
}

// Project drops every field not present in schema. It returns the projected
// rows and the sorted list of dropped field names. A nil schema means unknown
// and leaves rows untouched.
func Project(rows []Row, schema []string) ([]Row, []string) {
	if schema == nil {
		return rows, nil
	}

	known := lo.SliceToMap(schema, func(c string) (string, struct{}) { return c, struct{}{} })
	dropped := make(map[string]struct{})

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		projected := make(Row, len(row))
		for k, v := range row {
			if _, ok := known[k]; !ok {
				dropped[k] = struct{}{}
				continue
			}
			projected[k] = v
		}
		out = append(out, projected)
	}

	names := lo.Keys(dropped)
	sort.Strings(names)
	return out, names
}

// Values returns the row values in the order of cols. Missing columns are nil.
func (r Row) Values(cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = r[c]
	}
	return vals
}

// ToSQL renders q for the given dialect with bound parameters.
func (q Select) ToSQL(d goqu.DialectWrapper) (string, []any, error) {
	ds := d.From(goqu.I(q.Table)).Prepared(true)
	if len(q.Columns) > 0 {
		ds = ds.Select(lo.ToAnySlice(q.Columns)...)
	}
	if len(q.Where) > 0 {
		ds = ds.Where(q.Where)
	}
	for _, o := range q.OrderBy {
		if o.Desc {
			ds = ds.OrderAppend(goqu.C(o.Column).Desc())
		} else {
			ds = ds.OrderAppend(goqu.C(o.Column).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(q.Limit)
	}
	return ds.ToSQL()
}

// DeleteSQL renders a parameterized DELETE for the given dialect.
func DeleteSQL(d goqu.DialectWrapper, table string, where goqu.Ex) (string, []any, error) {
	return d.Delete(goqu.I(table)).Where(where).Prepared(true).ToSQL()
}

// InsertSQL renders a parameterized single-row INSERT for the given dialect.
func InsertSQL(d goqu.DialectWrapper, table string, row Row) (string, []any, error) {
	return d.Insert(goqu.I(table)).Rows(goqu.Record(row)).Prepared(true).ToSQL()
}

const stagingInfix = "_staging_"

// StagingName returns a unique disposable table name derived from target.
func StagingName(target string) string {
	return target + stagingInfix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// IsStaging reports whether name was produced by StagingName.
func IsStaging(name string) bool {
	return strings.Contains(name, stagingInfix)
}
