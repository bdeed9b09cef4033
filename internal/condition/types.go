package condition

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// ParamType is the declared type of a condition parameter.
type ParamType string

const (
	StringParamType    ParamType = "string"
	BoolParamType      ParamType = "bool"
	IntParamType       ParamType = "int"
	UintParamType      ParamType = "uint"
	DoubleParamType    ParamType = "double"
	TimestampParamType ParamType = "timestamp"
	DurationParamType  ParamType = "duration"
	ListParamType      ParamType = "list"
	MapParamType       ParamType = "map"
)

func (t ParamType) celType() (*cel.Type, error) {
	switch t {
	case StringParamType:
		return cel.StringType, nil
	case BoolParamType:
		return cel.BoolType, nil
	case IntParamType:
		return cel.IntType, nil
	case UintParamType:
		return cel.UintType, nil
	case DoubleParamType:
		return cel.DoubleType, nil
	case TimestampParamType:
		return cel.TimestampType, nil
	case DurationParamType:
		return cel.DurationType, nil
	case ListParamType:
		return cel.ListType(cel.DynType), nil
	case MapParamType:
		return cel.MapType(cel.StringType, cel.DynType), nil
	default:
		return nil, fmt.Errorf("unknown condition parameter type '%s'", t)
	}
}

// convertValue coerces a raw context value into the declared parameter type.
// Context arrives as generic JSON-ish values, so numeric types accept the
// usual decodings (float64 for integers, RFC 3339 strings for timestamps).
func (t ParamType) convertValue(value any) (any, error) {
	switch t {
	case StringParamType:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case BoolParamType:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case IntParamType:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		}
	case UintParamType:
		switch v := value.(type) {
		case uint:
			return uint64(v), nil
		case uint32:
			return uint64(v), nil
		case uint64:
			return v, nil
		case int:
			if v >= 0 {
				return uint64(v), nil
			}
		case float64:
			if v >= 0 && v == float64(uint64(v)) {
				return uint64(v), nil
			}
		}
	case DoubleParamType:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case TimestampParamType:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err == nil {
				return ts, nil
			}
		}
	case DurationParamType:
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err == nil {
				return d, nil
			}
		}
	case ListParamType:
		if l, ok := value.([]any); ok {
			return l, nil
		}
	case MapParamType:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
	default:
		return nil, fmt.Errorf("unknown condition parameter type '%s'", t)
	}

	return nil, fmt.Errorf("expected type value '%s', but found %T", t, value)
}
