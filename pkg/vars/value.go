package vars

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/zclconf/go-cty/cty"

	"github.com/strata-deploy/strata/pkg/engine"
)

// FromGo converts a decoded YAML value into a cty value. Integers become
// whole cty numbers, maps become objects, sequences become tuples; nil maps
// to cty's null string.
func FromGo(v interface{}) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.String), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case string:
		return cty.StringVal(t), nil
	case []interface{}:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = ev
		}
		return cty.TupleVal(elems), nil
	case map[string]interface{}:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, e := range t {
			ev, err := FromGo(e)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, engine.NewPermanentError(
			fmt.Sprintf("unsupported variable value type %T", v), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// ToGo converts a cty value back into the native form used for YAML
// emission: bool, int64/float64, string, []interface{}, map[string]interface{}.
func ToGo(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		return numberToGo(v)
	case ty == cty.String:
		return v.AsString(), nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			g, err := ToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			g, err := ToGo(ev)
			if err != nil {
				return nil, err
			}
			out[kv.AsString()] = g
		}
		return out, nil
	default:
		return nil, engine.NewPermanentError(
			"unsupported variable type "+ty.FriendlyName(), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// String renders a cty value for embedded string interpolation.
func String(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return strconv.FormatBool(v.True()), nil
	case ty == cty.Number:
		n, err := numberToGo(v)
		if err != nil {
			return "", err
		}
		switch t := n.(type) {
		case int64:
			return strconv.FormatInt(t, 10), nil
		case float64:
			return strconv.FormatFloat(t, 'g', -1, 64), nil
		}
		return fmt.Sprintf("%v", n), nil
	default:
		g, err := ToGo(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", g), nil
	}
}

// numberToGo returns an int64 for whole numbers, float64 otherwise.
func numberToGo(v cty.Value) (interface{}, error) {
	bf := v.AsBigFloat()
	if bf.IsInt() {
		i, acc := bf.Int64()
		if acc == big.Exact {
			return i, nil
		}
	}
	f, _ := bf.Float64()
	return f, nil
}
