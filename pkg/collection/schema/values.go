package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is one table row as an ordered tuple of column values.
type Row []any

// EncodeRows converts rows scanned from the database into wire values
// following the per-column serialization kinds. Integer columns stay JSON
// numbers, KindIDString columns become strings, blobs become base64.
func EncodeRows(t *Table, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("table %s: row has %d values, want %d", t.Name, len(row), len(t.Columns))
		}
		enc := make(Row, len(row))
		for j, v := range row {
			ev, err := encodeValue(t.Columns[j].Kind, v)
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", t.Name, t.Columns[j].Name, err)
			}
			enc[j] = ev
		}
		out[i] = enc
	}
	return out, nil
}

func encodeValue(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindIDString:
		switch x := v.(type) {
		case int64:
			return strconv.FormatInt(x, 10), nil
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case float64:
			return strconv.FormatInt(int64(x), 10), nil
		default:
			return nil, fmt.Errorf("cannot stringify %T", v)
		}
	case KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return v, nil
		}
	case KindBlob:
		switch x := v.(type) {
		case []byte:
			return x, nil // encoding/json base64-encodes []byte
		case string:
			return []byte(x), nil
		default:
			return v, nil
		}
	case KindAny:
		if x, ok := v.([]byte); ok {
			return string(x), nil
		}
		return v, nil
	default: // KindInt
		return v, nil
	}
}

// DecodeRows converts wire rows back into database arguments, accepting both
// string and numeric forms for integer columns. Rows with too few values are
// padded with NULLs; extra values are dropped.
func DecodeRows(t *Table, raw []Row) ([]Row, error) {
	out := make([]Row, len(raw))
	for i, row := range raw {
		dec := make(Row, len(t.Columns))
		for j := range t.Columns {
			if j >= len(row) {
				dec[j] = nil
				continue
			}
			dv, err := decodeValue(t.Columns[j].Kind, row[j])
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", t.Name, t.Columns[j].Name, err)
			}
			dec[j] = dv
		}
		out[i] = dec
	}
	return out, nil
}

func decodeValue(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindInt, KindIDString:
		return toInt64(v)
	case KindAny:
		switch x := v.(type) {
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
			return x.String(), nil
		default:
			return v, nil
		}
	case KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case KindBlob:
		switch x := v.(type) {
		case string:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				// Not base64: treat as raw text bytes.
				return []byte(x), nil
			}
			return b, nil
		case []byte:
			return x, nil
		default:
			return nil, fmt.Errorf("cannot decode %T as blob", v)
		}
	default:
		return v, nil
	}
}

// toInt64 accepts the numeric forms JSON decoding can produce plus decimal
// strings.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	case string:
		if x == "" {
			return 0, nil
		}
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

// Int64At extracts an integer from a wire row at the given index.
func Int64At(row Row, idx int) (int64, error) {
	if idx < 0 || idx >= len(row) {
		return 0, fmt.Errorf("row index %d out of range", idx)
	}
	return toInt64(row[idx])
}
