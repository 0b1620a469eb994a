package config

import (
	"fmt"
	"reflect"
	"strings"
)

// lookup resolves a dot-separated field path such as "SQL.DSN" in cfg,
// following pointers on the way.
func lookup(cfg interface{}, path string) (reflect.Value, error) {
	v := reflect.ValueOf(cfg)
	for _, name := range strings.Split(path, ".") {
		for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
			if v.IsNil() {
				return reflect.Value{}, fmt.Errorf("field %s: nil on the way to %s", path, name)
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field %s: %s is not inside a struct", path, name)
		}
		if v = v.FieldByName(name); !v.IsValid() {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
	}
	return v, nil
}

// RequiredFields fails when any of the named fields holds its zero value or an
// empty collection.
func RequiredFields(paths ...string) Validator {
	return ValidatorFunc(func(cfg interface{}) error {
		var missing []string
		for _, path := range paths {
			v, err := lookup(cfg, path)
			if err != nil {
				return err
			}
			switch v.Kind() {
			case reflect.Slice, reflect.Map:
				if v.Len() == 0 {
					missing = append(missing, path)
				}
			default:
				if v.IsZero() {
					missing = append(missing, path)
				}
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator fails unless the numeric field at path lies in [min, max].
func RangeValidator(path string, min, max float64) Validator {
	return ValidatorFunc(func(cfg interface{}) error {
		v, err := lookup(cfg, path)
		if err != nil {
			return err
		}
		n, ok := number(v)
		if !ok {
			return fmt.Errorf("field %s is not numeric", path)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s = %v, want between %v and %v", path, n, min, max)
		}
		return nil
	})
}

func number(v reflect.Value) (float64, bool) {
	switch {
	case v.CanInt():
		return float64(v.Int()), true
	case v.CanUint():
		return float64(v.Uint()), true
	case v.CanFloat():
		return v.Float(), true
	}
	return 0, false
}

// OneOfValidator fails unless the field at path equals one of allowed. Allowed
// values are converted to the field's type first, so an untyped constant
// matches a named string type.
func OneOfValidator(path string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(cfg interface{}) error {
		v, err := lookup(cfg, path)
		if err != nil {
			return err
		}
		for _, a := range allowed {
			av := reflect.ValueOf(a)
			if av.IsValid() && av.Kind() == v.Kind() && av.Convert(v.Type()).Equal(v) {
				return nil
			}
		}
		return fmt.Errorf("field %s = %v, want one of %v", path, v.Interface(), allowed)
	})
}
