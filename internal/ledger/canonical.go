package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// canonicalJSON renders v the way Python's json.dumps(v, sort_keys=True,
// separators=(",", ":")) would: compact, with every object's keys sorted
// recursively. The tree is rendered by hand rather than by encoding/json's
// Marshal so that numbers follow appendCanonicalNumber's formatting; object
// keys are sorted explicitly at every level.
func canonicalJSON(v any) (string, error) {
	// Round-trip through encoding/json first so struct values become
	// generic map[string]any/[]any/scalar trees that the sorter can walk.
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}

	var buf []byte
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case float64:
		return appendCanonicalNumber(buf, val), nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("canonical json: unsupported type %T", v)
	}
}

// appendCanonicalNumber renders a float64 the way Python's json module
// would for values that started life as JSON numbers: integral values
// print without a decimal point.
func appendCanonicalNumber(buf []byte, f float64) []byte {
	if f == float64(int64(f)) {
		return strconv.AppendInt(buf, int64(f), 10)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}
