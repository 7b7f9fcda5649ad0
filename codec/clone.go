package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNotCloneable is returned when a value cannot cross a port: functions,
// channels, unsafe pointers and reference cycles.
var ErrNotCloneable = errors.New("value could not be cloned")

// Clone produces an independent deep copy of v, the structured-clone step
// in-memory ports apply to every posted value. Go types are kept: an int64
// stays an int64, a []byte stays a []byte with its own backing array and
// strings are copied byte for byte. Unexported struct fields are copied
// shallowly.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	c := cloner{visiting: make(map[visit]struct{})}
	out, err := c.clone(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// visit identifies a reference currently being copied.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

type cloner struct {
	visiting map[visit]struct{}
}

// enter marks a reference as in progress; seeing it again below itself means
// the value contains a cycle.
func (c *cloner) enter(v reflect.Value, n int) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type(), n: n}
	if _, ok := c.visiting[key]; ok {
		return nil, fmt.Errorf("%w: cycle through %s", ErrNotCloneable, v.Type())
	}
	c.visiting[key] = struct{}{}
	return func() { delete(c.visiting, key) }, nil
}

func (c *cloner) clone(v reflect.Value) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Invalid:
		return v, nil

	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return v, nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrNotCloneable, v.Type())

	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		inner, err := c.clone(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		leave, err := c.enter(v, 0)
		if err != nil {
			return reflect.Value{}, err
		}
		defer leave()
		inner, err := c.clone(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(inner)
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		if v.Type().Elem().Kind() == reflect.Uint8 {
			reflect.Copy(out, v)
			return out, nil
		}
		if v.Len() > 0 {
			leave, err := c.enter(v, v.Len())
			if err != nil {
				return reflect.Value{}, err
			}
			defer leave()
		}
		for i := 0; i < v.Len(); i++ {
			elem, err := c.clone(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := c.clone(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		leave, err := c.enter(v, 0)
		if err != nil {
			return reflect.Value{}, err
		}
		defer leave()
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := c.clone(iter.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := c.clone(iter.Value())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			field, err := c.clone(v.Field(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(field)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("%w: unsupported kind %s", ErrNotCloneable, v.Kind())
}
