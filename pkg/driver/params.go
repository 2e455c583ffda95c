package driver

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrMissingParam is returned when a required parameter is absent.
	ErrMissingParam = errors.New("missing required parameter")

	// ErrParamType is returned when a parameter has the wrong type.
	ErrParamType = errors.New("parameter has wrong type")
)

// Params is the opaque named-parameter mapping handed to a driver factory.
// Values come straight from the configuration decoder, so numbers may arrive
// as int or float64 and nested objects as map[string]interface{}.
type Params map[string]interface{}

// Merge returns a new Params containing base overlaid with p.
// Keys in p win.
func (p Params) Merge(base Params) Params {
	out := make(Params, len(base)+len(p))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// WithAliases returns a copy of p in which each old name that is set is
// copied to its new name, unless the new name is already set.
func (p Params) WithAliases(aliases map[string]string) Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	for old, name := range aliases {
		if out.Has(old) && !out.Has(name) {
			out[name] = out[old]
		}
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	if !p.Has(key) {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	s, ok := p[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrParamType, key, p[key])
	}
	return s, nil
}

// StringOr returns an optional string parameter, or def when absent.
func (p Params) StringOr(key, def string) (string, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.String(key)
}

// Int returns a required integer parameter. Integral floats are accepted
// because JSON decoders produce float64 for every number.
func (p Params) Int(key string) (int, error) {
	if !p.Has(key) {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	switch v := p[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrParamType, key, v)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrParamType, key, p[key])
}

// IntOr returns an optional integer parameter, or def when absent.
func (p Params) IntOr(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Int(key)
}

// Bool returns a required boolean parameter.
func (p Params) Bool(key string) (bool, error) {
	if !p.Has(key) {
		return false, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	b, ok := p[key].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrParamType, key, p[key])
	}
	return b, nil
}

// BoolOr returns an optional boolean parameter, or def when absent.
func (p Params) BoolOr(key string, def bool) (bool, error) {
	if !p.Has(key) {
		return def, nil
	}
	return p.Bool(key)
}

// Map returns an optional nested object parameter. A missing key yields a nil
// map and no error.
func (p Params) Map(key string) (map[string]interface{}, error) {
	if !p.Has(key) {
		return nil, nil
	}
	switch v := p[key].(type) {
	case map[string]interface{}:
		return v, nil
	case Params:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrParamType, key, p[key])
}

// StringMap returns an optional object parameter whose values are all scalars,
// rendered as strings (HTTP headers, form bodies).
func (p Params) StringMap(key string) (map[string]string, error) {
	m, err := p.Map(key)
	if err != nil || m == nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			out[k] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("%w: %s.%s must be a scalar, got %T", ErrParamType, key, k, v)
		}
	}
	return out, nil
}

// Strings returns an optional list-of-strings parameter.
func (p Params) Strings(key string) ([]string, error) {
	if !p.Has(key) {
		return nil, nil
	}
	switch v := p[key].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string, got %T", ErrParamType, key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", ErrParamType, key, p[key])
}
