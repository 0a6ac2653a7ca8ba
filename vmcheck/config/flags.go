// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"fmt"
	"iter"
	"reflect"
	"strconv"

	"gvisor.dev/vmcore/vmcheck/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "additional location for logs.")

	// Memory flags.
	flagSet.Uint64("memory-frames", 1024, "number of frames in the physical arena, unless the scenario sets one.")
	flagSet.Var(new(FrameRanges), "reserved", "comma-separated frame ranges reserved at start of day, e.g. 0x100-0x104.")

	// Output flags.
	flagSet.String("metrics", "", "file path where memory metrics are written in Prometheus text format after a scenario runs.")
}

// flagField is a Config field populated from the flag called name.
type flagField struct {
	name  string
	value reflect.Value
}

// flagFields yields the fields of c that have a flag tag, in declaration
// order.
func (c *Config) flagFields() iter.Seq[flagField] {
	return func(yield func(flagField) bool) {
		obj := reflect.ValueOf(c).Elem()
		st := obj.Type()
		for i := 0; i < st.NumField(); i++ {
			name, ok := st.Field(i).Tag.Lookup("flag")
			if !ok {
				continue
			}
			if !yield(flagField{name: name, value: obj.Field(i)}) {
				return
			}
		}
	}
}

// mustLookup returns the flag called name. Every tagged Config field has a
// registered flag, so a missing one is a programming error.
func mustLookup(flagSet *flag.FlagSet, name string) *flag.Flag {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	for f := range conf.flagFields() {
		f.value.Set(reflect.ValueOf(flag.Get(mustLookup(flagSet, f.name).Value)))
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	for f := range c.flagFields() {
		val := getVal(f.value)
		if fl := mustLookup(flagSet, f.name); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
	}
	return rv
}

// Override writes a new value to a flag and validates the result.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	for f := range c.flagFields() {
		if f.name != name {
			continue
		}
		// Use the flag to parse value, with the same rules as the
		// command line.
		fl := mustLookup(flagSet, name)
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		f.value.Set(reflect.ValueOf(flag.Get(fl.Value)))
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

// getVal returns the flag syntax of field's value.
func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
