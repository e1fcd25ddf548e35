// Package contenthash fingerprints the business-meaningful fields of a row so
// unchanged data can be detected and redundant writes skipped.
package contenthash

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"sportsdata/pipeline/internal/warehouse"

	"github.com/cespare/xxhash/v2"
)

// DefaultColumn is the column the hash is stored in, next to the business data.
const DefaultColumn = "data_hash"

// Length is the width of a Hash in hex characters.
const Length = 16

// Hash is a fixed-width hex fingerprint.
type Hash string

const (
	fieldSep = 0x1f
	valueSep = 0x1e
)

// Compute hashes row over fields in the declared order. Fields missing from
// the row hash the same as explicit nulls. Fields not declared (timestamps,
// run ids) never influence the result.
func Compute(row map[string]any, fields []string) Hash {
	d := xxhash.New()
	for _, f := range fields {
		_, _ = d.WriteString(f)
		_, _ = d.Write([]byte{fieldSep})
		_, _ = d.WriteString(Canonical(row[f]))
		_, _ = d.Write([]byte{valueSep})
	}
	return Hash(fmt.Sprintf("%0*x", Length, d.Sum64()))
}

// Tag computes the hash of every row and stores it under column.
func Tag(rows []warehouse.Row, fields []string, column string) {
	if column == "" {
		column = DefaultColumn
	}
	for _, row := range rows {
		row[column] = string(Compute(row, fields))
	}
}

// Canonical renders a value in a representation that is stable across the
// Go types drivers decode it into: integers and integral floats render alike,
// times render in UTC, pointers are followed.
func Canonical(v any) string {
	if v == nil {
		return "null"
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "null"
		}
		rv = rv.Elem()
	}
	v = rv.Interface()

	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case []byte:
		return strconv.Quote(string(t))
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String()
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
