// Copyright 2026 The vmcore Authors.
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
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. Flags set on the command line override its values.")

	// Memory flags.
	flagSet.Uint64("frames", 1024, "number of physical frames, starting at frame 0.")
	flagSet.Uint64("reserved-frames", 1, "number of frames at the start of memory that are never allocated.")

	// Logging flags.
	flagSet.String("log", "", "file path where logs are written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-level", "info", "log level: warning, info (default), or debug.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
}

// NewFromFlags creates a new Config. Values start at the flag defaults, are
// replaced by the file named by --config, if any, and then by every flag
// explicitly set in flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		setField(field, lookup(flagSet, name).DefValue)
	})

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.loadFile(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	forEachFlagField(conf, func(name string, field reflect.Value) {
		if set[name] {
			setField(field, lookup(flagSet, name).Value.String())
		}
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Memory regions have no flag and are not included.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	forEachFlagField(c, func(name string, field reflect.Value) {
		val := getVal(field)
		fl := lookup(flagSet, name)
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

func lookup(flagSet *flag.FlagSet, name string) *flag.Flag {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl
}

// forEachFlagField calls fn for every field of c, at any depth, that has a
// flag tag.
func forEachFlagField(c *Config, fn func(name string, field reflect.Value)) {
	var walk func(obj reflect.Value)
	walk = func(obj reflect.Value) {
		st := obj.Type()
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			if f.Type.Kind() == reflect.Struct {
				walk(obj.Field(i))
				continue
			}
			name, ok := f.Tag.Lookup("flag")
			if !ok {
				// No flag set for this field.
				continue
			}
			fn(name, obj.Field(i))
		}
	}
	walk(reflect.ValueOf(c).Elem())
}

// setField parses val into field. Flag values were already parsed by the
// flag package, so failures are programming errors.
func setField(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			panic(err)
		}
		field.SetBool(b)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			panic(err)
		}
		field.SetUint(u)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			panic(err)
		}
		field.SetInt(n)
	default:
		panic("unknown type " + field.Kind().String())
	}
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
