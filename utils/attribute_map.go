package utils

import (
	"math"

	"github.com/pkg/errors"
)

// AttributeMap is a loosely typed bag of values, as decoded from JSON, YAML or a protobuf Struct.
// It carries module options and invocation arguments.
type AttributeMap map[string]interface{}

// Has reports whether the map contains the named key.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String returns the named string, or def when it is absent.
func (am AttributeMap) String(name, def string) (string, error) {
	x, has := am[name]
	if !has || x == nil {
		return def, nil
	}
	s, ok := x.(string)
	if !ok {
		return "", errors.Errorf("wanted a string for %q but got (%v) %T", name, x, x)
	}
	return s, nil
}

// Float64 returns the named number, or def when it is absent. Any numeric kind is accepted.
func (am AttributeMap) Float64(name string, def float64) (float64, error) {
	x, has := am[name]
	if !has || x == nil {
		return def, nil
	}
	switch v := x.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, errors.Errorf("wanted a number for %q but got (%v) %T", name, x, x)
}

// Int returns the named integer, or def when it is absent. Whole floats are accepted since JSON
// numbers decode as float64.
func (am AttributeMap) Int(name string, def int) (int, error) {
	x, has := am[name]
	if !has || x == nil {
		return def, nil
	}
	f, err := am.Float64(name, float64(def))
	if err != nil {
		return 0, errors.Errorf("wanted an int for %q but got (%v) %T", name, x, x)
	}
	if f != math.Trunc(f) {
		return 0, errors.Errorf("wanted an int for %q but got %v", name, f)
	}
	return int(f), nil
}

// Bool returns the named bool, or def when it is absent.
func (am AttributeMap) Bool(name string, def bool) (bool, error) {
	x, has := am[name]
	if !has || x == nil {
		return def, nil
	}
	b, ok := x.(bool)
	if !ok {
		return false, errors.Errorf("wanted a bool for %q but got (%v) %T", name, x, x)
	}
	return b, nil
}

// Map returns the named nested map, or nil when it is absent.
func (am AttributeMap) Map(name string) (AttributeMap, error) {
	x, has := am[name]
	if !has || x == nil {
		return nil, nil
	}
	switch v := x.(type) {
	case AttributeMap:
		return v, nil
	case map[string]interface{}:
		return AttributeMap(v), nil
	}
	return nil, errors.Errorf("wanted a map for %q but got (%v) %T", name, x, x)
}

// Clone returns a shallow copy.
func (am AttributeMap) Clone() AttributeMap {
	if am == nil {
		return nil
	}
	out := make(AttributeMap, len(am))
	for k, v := range am {
		out[k] = v
	}
	return out
}
