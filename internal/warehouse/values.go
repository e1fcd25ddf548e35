package warehouse

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Drivers decode the same logical value into different Go types (int32 from
// Postgres, uint64 from ClickHouse, []byte for some text columns). The helpers
// below compare and convert by decoded value.

// AsString converts a decoded column value to a string. nil yields "".
func AsString(v any) string {
	switch t := deref(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// AsInt64 converts a decoded numeric column value.
func AsInt64(v any) (int64, bool) {
	switch t := deref(v).(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float32:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// AsFloat64 converts a decoded numeric column value.
func AsFloat64(v any) (float64, bool) {
	switch t := deref(v).(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		n, ok := AsInt64(t)
		return float64(n), ok
	}
}

// AsBool converts a decoded boolean column value.
func AsBool(v any) bool {
	switch t := deref(v).(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		n, ok := AsInt64(t)
		return ok && n != 0
	}
}

// AsTime converts a decoded timestamp column value.
func AsTime(v any) (time.Time, bool) {
	switch t := deref(v).(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Compare orders two decoded values. Numbers compare numerically, times
// chronologically, everything else by string form. nil sorts first.
func Compare(a, b any) int {
	a, b = deref(a), deref(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := AsTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if tb, ok := b.(time.Time); ok {
		if ta, ok := AsTime(a); ok {
			return ta.Compare(tb)
		}
	}

	if isNumber(a) && isNumber(b) {
		fa, _ := AsFloat64(a)
		fb, _ := AsFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}

	sa, sb := AsString(a), AsString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two decoded values are the same logical value.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func deref(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
