package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the value of a configuration variable and whether it is
// set. os.LookupEnv is a Lookup.
type Lookup func(name string) (string, bool)

// WithOverrides returns a Lookup that prefers non-empty values in
// overrides over base. Command-line flags are applied this way.
func WithOverrides(base Lookup, overrides map[string]string) Lookup {
	return func(name string) (string, bool) {
		if v := overrides[name]; v != "" {
			return v, true
		}
		return base(name)
	}
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration through lookup, applies defaults for unset
// values and validates the result. Every missing or malformed variable is
// reported, not only the first.
func LoadFrom(lookup Lookup) (*Config, error) {
	cfg := &Config{}

	b := &binder{lookup: lookup}
	b.bind(reflect.ValueOf(cfg).Elem())
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("config load: %w", errors.Join(b.errs...))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// binder fills tagged struct fields:
//
//	env:"NAME"        variable to read
//	envAlt:"NAME"     fallback when NAME is empty
//	default:"value"   used when neither is set
//	required:"true"   unset is an error
type binder struct {
	lookup Lookup
	errs   []error
}

func (b *binder) get(name string) string {
	if name == "" {
		return ""
	}
	v, ok := b.lookup(name)
	if !ok {
		return ""
	}
	return v
}

func (b *binder) bind(v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		field, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			b.bind(fv)
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		raw := b.get(name)
		if raw == "" {
			raw = b.get(field.Tag.Get("envAlt"))
		}
		if raw == "" {
			if field.Tag.Get("required") == "true" {
				b.errs = append(b.errs, fmt.Errorf("required environment variable %s is not set", name))
				continue
			}
			raw = field.Tag.Get("default")
		}
		if raw == "" {
			continue
		}

		if err := parseInto(fv, raw); err != nil {
			b.errs = append(b.errs, fmt.Errorf("invalid value for %s=%q: %w", name, raw, err))
		}
	}
}

var durationType = reflect.TypeFor[time.Duration]()

// parseInto sets field from its string form. Slices are comma separated;
// blank elements are dropped.
func parseInto(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.New("not an integer")
		}
		field.SetInt(n)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.New("not a boolean")
		}
		field.SetBool(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem().Kind())
		}
		var items []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
