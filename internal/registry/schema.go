package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tripwire/rig/internal/config"
)

// Kind names the accepted shape of a plugin option field.
type Kind string

const (
	KindString     Kind = "string"
	KindInt        Kind = "int"
	KindBool       Kind = "bool"
	KindStringList Kind = "[]string"
	// KindSize accepts an integer byte size or a string with a K/M/G/T
	// suffix (e.g. "10M"), per spec.md's process and filesystem monitors.
	KindSize Kind = "size"
	// KindRaw accepts any YAML shape unchecked. Used for fields whose
	// structure is richer than a scalar or flat list (watch's `files`
	// list of {path, dest?} mappings); the plugin itself decodes the
	// value via OptionSet.RawValue.
	KindRaw Kind = "raw"
)

// Field describes one accepted option for a plugin: its name, shape,
// whether it is required, and its default when omitted.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Default  any
}

// OptionSet is a validated view over a plugin's raw YAML option mapping,
// offering typed accessors. It is constructed once, by Validate, which
// checks every field against its schema and collects every problem found
// rather than stopping at the first.
type OptionSet struct {
	raw    config.RawOptions
	schema map[string]Field
}

// Validate checks raw against schema: unknown keys and missing required
// fields are both errors, collected together via errors.Join. On success it
// returns an OptionSet over raw as given: schema defaults are not filled in,
// and each accessor returns the fallback its caller passes for an omitted
// field.
func Validate(pluginName string, raw config.RawOptions, schema []Field) (*OptionSet, error) {
	if raw == nil {
		raw = config.RawOptions{}
	}
	byName := make(map[string]Field, len(schema))
	for _, f := range schema {
		byName[f.Name] = f
	}

	var errs []error
	for k := range raw {
		if _, ok := byName[k]; !ok {
			errs = append(errs, fmt.Errorf("%s: unknown option %q", pluginName, k))
		}
	}
	for _, f := range schema {
		v, present := raw[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, fmt.Errorf("%s: option %q is required", pluginName, f.Name))
			}
			continue
		}
		if v == nil {
			// An explicit YAML null is a deliberate "disable this field"
			// (e.g. logs' `journals: null`), never a type error.
			continue
		}
		if err := checkKind(f, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: option %q: %w", pluginName, f.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &OptionSet{raw: raw, schema: byName}, nil
}

func checkKind(f Field, v any) error {
	switch f.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("must be a string, got %T", v)
		}
	case KindInt:
		switch v.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("must be an integer, got %T", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("must be a boolean, got %T", v)
		}
	case KindStringList:
		if _, ok := toStringList(v); !ok {
			return fmt.Errorf("must be a list of strings, got %T", v)
		}
	case KindSize:
		if _, err := parseSize(v); err != nil {
			return err
		}
	}
	return nil
}

// String returns the string value of name, or def if omitted.
func (o *OptionSet) String(name, def string) string {
	if v, ok := o.raw[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the integer value of name, or def if omitted.
func (o *OptionSet) Int(name string, def int) int {
	if v, ok := o.raw[name]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// Bool returns the boolean value of name, or def if omitted.
func (o *OptionSet) Bool(name string, def bool) bool {
	if v, ok := o.raw[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// StringList returns the string list value of name, or def if omitted.
func (o *OptionSet) StringList(name string, def []string) []string {
	if v, ok := o.raw[name]; ok {
		if list, ok := toStringList(v); ok {
			return list
		}
	}
	return def
}

// Size returns the byte count named by name (accepting either a raw integer
// or a "<n><K|M|G|T>" string), or def if omitted.
func (o *OptionSet) Size(name string, def int64) int64 {
	if v, ok := o.raw[name]; ok {
		if n, err := parseSize(v); err == nil {
			return n
		}
	}
	return def
}

// Has reports whether name was explicitly set in the rigfile.
func (o *OptionSet) Has(name string) bool {
	_, ok := o.raw[name]
	return ok
}

// RawValue returns the unconverted value set for name and whether it was
// present at all, distinguishing an explicit YAML null (present, nil) from
// an omitted key (not present). The logs monitor's `journals: null` ("do not
// read the journal at all") needs exactly that distinction.
func (o *OptionSet) RawValue(name string) (any, bool) {
	v, ok := o.raw[name]
	return v, ok
}

// toStringList accepts a homogeneous string list or a mixed list of
// strings/numbers, stringifying numeric elements. The process monitor's
// `procs` field is exactly such a mixed list (PIDs as bare integers, process
// names as strings) in a single YAML sequence.
func toStringList(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			switch ev := e.(type) {
			case string:
				out = append(out, ev)
			case int:
				out = append(out, strconv.Itoa(ev))
			case int64:
				out = append(out, strconv.FormatInt(ev, 10))
			case float64:
				out = append(out, strconv.FormatInt(int64(ev), 10))
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

var sizeSuffixes = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// parseSize accepts an int/int64/float64 (taken as a raw byte count) or a
// string of the form "<number><K|M|G|T>" (case-insensitive suffix).
func parseSize(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, errors.New("empty size")
		}
		last := s[len(s)-1]
		if mult, ok := sizeSuffixes[byte(strings.ToUpper(string(last))[0])]; ok {
			num, err := strconv.ParseFloat(s[:len(s)-1], 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(num * float64(mult)), nil
		}
		num, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return num, nil
	}
	return 0, fmt.Errorf("must be an integer or size string, got %T", v)
}
