package orm

import "strings"

// normalize maps Go values onto the narrow set of types the SQLite driver
// returns, so values assigned by compute functions compare equal to values
// scanned from the database.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	default:
		return v
	}
}

// Equal compares two field values after normalization. The resolver uses it
// to decide whether a recomputed value actually changed.
func Equal(a, b any) bool {
	return normalize(a) == normalize(b)
}

// placeholders returns n comma-joined parameter markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
