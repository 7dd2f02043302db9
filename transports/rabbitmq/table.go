package rabbitmq

import (
	"math"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Table converts decoded configuration arguments into an amqp.Table. Integer
// kinds are widened to int64 and nested maps and lists are converted
// recursively so the result passes amqp.Table validation. Unsigned values
// above math.MaxInt64 are left as they are and fail that validation. A nil or
// empty map yields nil.
func Table(args map[string]any) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	table := make(amqp.Table, len(args))
	for k, v := range args {
		table[k] = tableValue(v)
	}
	return table
}

func tableValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		if uint64(val) > math.MaxInt64 {
			return v
		}
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return v
		}
		return int64(val)
	case map[string]any:
		nested := make(amqp.Table, len(val))
		for k, inner := range val {
			nested[k] = tableValue(inner)
		}
		return nested
	case []any:
		list := make([]any, len(val))
		for i, inner := range val {
			list[i] = tableValue(inner)
		}
		return list
	default:
		return v
	}
}
