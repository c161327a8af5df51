package server

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
)

// encodeResult serialises a handler result as JSON. Byte slices and
// TextMarshalers become strings and maps with keys JSON cannot represent
// are re-keyed with their formatted value. Cyclic values are an error.
func encodeResult(v any) ([]byte, error) {
	n := normalizer{seen: make(map[visit]struct{})}
	out, err := n.normalize(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// visit identifies a map, slice or pointer on the current path.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type normalizer struct {
	seen map[visit]struct{}
}

// enter records v on the current path; the returned func removes it.
func (n *normalizer) enter(v reflect.Value) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, cyclic := n.seen[key]; cyclic {
		return nil, fmt.Errorf("encountered a cycle via %s", v.Type())
	}
	n.seen[key] = struct{}{}
	return func() { delete(n.seen, key) }, nil
}

func (n *normalizer) normalize(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	t := v.Type()
	if t.Implements(jsonMarshalerType) {
		return v.Interface(), nil
	}
	if t.Implements(textMarshalerType) && !(t.Kind() == reflect.Pointer && v.IsNil()) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return v.Interface(), nil
		}
		return string(text), nil
	}

	switch t.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return n.normalize(v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := n.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		return n.normalize(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes()), nil
		}
		leave, err := n.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		return n.normalizeList(v)
	case reflect.Array:
		return n.normalizeList(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := n.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := n.normalize(iter.Value())
			if err != nil {
				return nil, err
			}
			out[mapKey(iter.Key())] = elem
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

func (n *normalizer) normalizeList(v reflect.Value) ([]any, error) {
	out := make([]any, v.Len())
	for i := range v.Len() {
		elem, err := n.normalize(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if text, err := tm.MarshalText(); err == nil {
			return string(text)
		}
	}
	return fmt.Sprint(k.Interface())
}
