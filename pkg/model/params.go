package model

import (
	"fmt"
	"math"
)

// Params is an operator-specific bag of numeric and string values. Numbers arrive as
// float64 from JSON and protobuf Struct, lists as []any.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) IntOr(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	return toInt(key, v)
}

func (p Params) FloatOr(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	return toFloat(key, v)
}

func (p Params) StringOr(key string, def string) (string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q: expected string, got %T", key, v)
	}
	return s, nil
}

// IntsOr reads a list of integers. A single number is accepted as a one-element list.
func (p Params) IntsOr(key string, def []int) ([]int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case []int:
		return v, nil
	case []any:
		out := make([]int, len(v))
		for i, e := range v {
			n, err := toInt(key, e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		n, err := toInt(key, v)
		if err != nil {
			return nil, err
		}
		return []int{n}, nil
	}
}

func (p Params) Floats(key string) ([]float32, bool, error) {
	v, ok := p[key]
	if !ok {
		return nil, false, nil
	}
	switch v := v.(type) {
	case []float32:
		return v, true, nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, true, nil
	case []any:
		out := make([]float32, len(v))
		for i, e := range v {
			f, err := toFloat(key, e)
			if err != nil {
				return nil, true, err
			}
			out[i] = float32(f)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("param %q: expected list of numbers, got %T", key, v)
	}
}

// Pair reads a two-element [h, w] parameter; a single number applies to both.
func (p Params) Pair(key string, def int) (int, int, error) {
	vals, err := p.IntsOr(key, []int{def, def})
	if err != nil {
		return 0, 0, err
	}
	switch len(vals) {
	case 1:
		return vals[0], vals[0], nil
	case 2:
		return vals[0], vals[1], nil
	case 4:
		// NHWC-style [1, h, w, 1]
		return vals[1], vals[2], nil
	default:
		return 0, 0, fmt.Errorf("param %q: expected 1, 2 or 4 values, got %d", key, len(vals))
	}
}

func toFloat(key string, v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("param %q: expected number, got %T", key, v)
	}
}

func toInt(key string, v any) (int, error) {
	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("param %q: expected integer, got %v", key, f)
	}
	if math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("param %q: %v is out of range", key, f)
	}
	return int(f), nil
}
