// Package config provides YAML configuration loading and validation for
// rigfiles.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rigfile is the top-level configuration structure for a rig deployment.
type Rigfile struct {
	// Name is the rig's human-readable identifier. If empty, the runtime
	// generates one at deploy time.
	Name string `yaml:"name,omitempty"`

	// Interval is the polling tick period in seconds. Clamped to a minimum
	// of 1 with a logged warning; defaults to 1 when omitted.
	Interval int `yaml:"interval,omitempty"`

	// Delay is the number of seconds to wait after a trigger before
	// stopping pre-trigger actions and running the rest. Defaults to 0.
	Delay int `yaml:"delay,omitempty"`

	// Repeat is the number of extra iterations a repeatable action runs
	// after its first, for actions that declare themselves repeatable.
	// Defaults to 0.
	Repeat int `yaml:"repeat,omitempty"`

	// RepeatDelay is the number of seconds between repeated iterations.
	RepeatDelay int `yaml:"repeat_delay,omitempty"`

	// NoArchive, when true, preserves the working directory untarred
	// instead of producing an archive.
	NoArchive bool `yaml:"no_archive,omitempty"`

	// WorkDirBase overrides the base directory under which the rig's
	// working directory is created. Defaults to /var/tmp/rig.
	WorkDirBase string `yaml:"work_dir_base,omitempty"`

	// SocketDirBase overrides the base directory under which the rig's
	// control socket is bound. Defaults to /var/run/rig.
	SocketDirBase string `yaml:"socket_dir_base,omitempty"`

	// Monitors maps a monitor plugin name to its option mapping, in the
	// order the plugin names appeared in the rigfile. Must be non-empty.
	Monitors PluginMap `yaml:"monitors"`

	// Actions maps an action plugin name to its option mapping, in the
	// order the plugin names appeared in the rigfile. Must be non-empty.
	Actions PluginMap `yaml:"actions"`
}

// RawOptions is an unvalidated per-plugin option mapping, decoded generically
// and handed to the registry's schema validator for the named plugin.
type RawOptions map[string]any

// PluginMap is a monitor or action mapping from the rigfile. It preserves
// the order plugin names appeared in the YAML document — a plain Go map
// cannot, and spec.md's action-ordering invariant ("stable sort of priority
// ascending, configuration order ascending; independent of ... dictionary
// iteration order") depends on that original document order surviving
// parsing.
type PluginMap struct {
	Names   []string
	Options map[string]RawOptions
}

// Len reports how many plugin entries are present.
func (m PluginMap) Len() int { return len(m.Names) }

// UnmarshalYAML decodes a YAML mapping node into Names (in document order)
// and Options, rather than going through Go's unordered map decoding.
func (m *PluginMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("expected a mapping, got %v", value.Tag)
	}
	m.Options = make(map[string]RawOptions)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var key string
		if err := value.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("plugin name: %w", err)
		}
		var opts RawOptions
		if err := value.Content[i+1].Decode(&opts); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if opts == nil {
			opts = RawOptions{}
		}
		m.Names = append(m.Names, key)
		m.Options[key] = opts
	}
	return nil
}

const (
	defaultWorkDirBase   = "/var/tmp/rig"
	defaultSocketDirBase = "/var/run/rig"
	minInterval          = 1
)

// Warning is a non-fatal note produced while loading a rigfile (e.g. an
// interval clamped up to the minimum). Load callers should log these.
type Warning string

// LoadRigfile reads the YAML file at path, unmarshals it into a Rigfile,
// applies defaults, and validates top-level structure. Per-plugin option
// validation is the registry's job (see internal/registry), since it depends
// on which plugins are named. Returns every top-level validation problem
// joined together rather than stopping at the first.
func LoadRigfile(path string) (*Rigfile, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var rf Rigfile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	warnings := applyDefaults(&rf)

	if err := validate(&rf); err != nil {
		return nil, warnings, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &rf, warnings, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults
// and clamps the interval to its documented minimum, returning any warnings
// produced in the process.
func applyDefaults(rf *Rigfile) []Warning {
	var warnings []Warning

	if rf.Interval == 0 {
		rf.Interval = minInterval
	} else if rf.Interval < minInterval {
		warnings = append(warnings, Warning(fmt.Sprintf(
			"interval %ds is below the minimum of %ds; clamped to %ds",
			rf.Interval, minInterval, minInterval,
		)))
		rf.Interval = minInterval
	}
	if rf.WorkDirBase == "" {
		rf.WorkDirBase = defaultWorkDirBase
	}
	if rf.SocketDirBase == "" {
		rf.SocketDirBase = defaultSocketDirBase
	}

	return warnings
}

// validate checks the structural invariants spec.md places on the rigfile
// itself. Per-plugin field validation happens later, against the registry.
func validate(rf *Rigfile) error {
	var errs []error

	if rf.Interval < minInterval {
		errs = append(errs, fmt.Errorf("interval must be >= %d", minInterval))
	}
	if rf.Delay < 0 {
		errs = append(errs, errors.New("delay must be >= 0"))
	}
	if rf.Repeat < 0 {
		errs = append(errs, errors.New("repeat must be >= 0"))
	}
	if rf.RepeatDelay < 0 {
		errs = append(errs, errors.New("repeat_delay must be >= 0"))
	}
	if rf.Monitors.Len() == 0 {
		errs = append(errs, errors.New("monitors: must configure at least one monitor"))
	}
	if rf.Actions.Len() == 0 {
		errs = append(errs, errors.New("actions: must configure at least one action"))
	}

	return errors.Join(errs...)
}
