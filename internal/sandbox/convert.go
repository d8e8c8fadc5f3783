package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark converts a structured Go value into its starlark form.
// Supported: nil, bool, string, ints, float64, []any, map[string]any.
func toStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int32:
		return starlark.MakeInt(int(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float64:
		return starlark.Float(v), nil
	case float32:
		return starlark.Float(float64(v)), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			sv, err := toStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported input type %T", v)
	}
}

// fromStarlark converts a script result back to a structured Go value,
// enforcing the container-size and nesting ceilings at the boundary.
func fromStarlark(v starlark.Value, cfg Config, depth int) (any, error) {
	if cfg.MaxValueDepth > 0 && depth > cfg.MaxValueDepth {
		return nil, &ResourceExceeded{
			Limit:  "nesting_depth",
			Detail: fmt.Sprintf("result nesting exceeds ceiling %d", cfg.MaxValueDepth),
		}
	}

	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return v.String(), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		if cfg.MaxStringLen > 0 && len(v) > cfg.MaxStringLen {
			return nil, &ResourceExceeded{
				Limit:  "string_size",
				Detail: fmt.Sprintf("result string of %d bytes exceeds ceiling %d", len(v), cfg.MaxStringLen),
			}
		}
		return string(v), nil
	case *starlark.List:
		return fromSequence(v, v.Len(), cfg, depth)
	case starlark.Tuple:
		return fromSequence(v, v.Len(), cfg, depth)
	case *starlark.Dict:
		items := v.Items()
		if cfg.MaxCollectionLen > 0 && len(items) > cfg.MaxCollectionLen {
			return nil, &ResourceExceeded{
				Limit:  "collection_size",
				Detail: fmt.Sprintf("result dict of %d entries exceeds ceiling %d", len(items), cfg.MaxCollectionLen),
			}
		}
		out := make(map[string]any, len(items))
		for _, kv := range items {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0].String())
			}
			val, err := fromStarlark(kv[1], cfg, depth+1)
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", v.Type())
	}
}

type indexable interface {
	Index(i int) starlark.Value
}

func fromSequence(seq indexable, n int, cfg Config, depth int) (any, error) {
	if cfg.MaxCollectionLen > 0 && n > cfg.MaxCollectionLen {
		return nil, &ResourceExceeded{
			Limit:  "collection_size",
			Detail: fmt.Sprintf("result sequence of %d elements exceeds ceiling %d", n, cfg.MaxCollectionLen),
		}
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		e, err := fromStarlark(seq.Index(i), cfg, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
