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

// Package config holds the gmm command line configuration and the guest
// memory layout file format.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// Config holds the global gmm configuration. Fields tagged with `flag` are
// populated from the flag of the same name.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows sending log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// HostMemory is the size in bytes of the host memory file that backs
	// page table nodes and allocated guest frames.
	HostMemory uint64 `flag:"host-memory"`

	// HostPhysBase is the host physical address assigned to the first byte
	// of the host memory file.
	HostPhysBase uint64 `flag:"host-phys-base"`

	// HugeLinear allows linear regions to be mapped with 2M and 1G pages.
	HugeLinear bool `flag:"huge-linear"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("log", "", "file path where internal debug information is written, default is to discard it. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	flagSet.Uint64("host-memory", 64<<20, "size in bytes of the host memory pool used for page tables and allocated guest memory.")
	flagSet.Uint64("host-phys-base", 0x1_0000_0000, "host physical address of the first byte of the host memory pool.")
	flagSet.Bool("huge-linear", true, "map linear regions with 2M and 1G pages where alignment permits.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q does not implement flag.Getter", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags left at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.HostMemory: %#x", c.HostMemory)
	log.Infof("Config.HostPhysBase: %#x", c.HostPhysBase)
	log.Infof("Config.HugeLinear: %t", c.HugeLinear)
	log.Infof("Config non-default flags: %s", strings.Join(c.ToFlags(), " "))
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic(fmt.Sprintf("unknown type %v for field %v", field.Kind(), field))
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.HostMemory == 0 || !hostarch.IsPageAligned(c.HostMemory) {
		return fmt.Errorf("host memory size %#x must be a non-zero multiple of %#x", c.HostMemory, hostarch.PageSize)
	}
	if !hostarch.IsPageAligned(c.HostPhysBase) {
		return fmt.Errorf("host physical base %#x is not page aligned", c.HostPhysBase)
	}
	if c.HostPhysBase+c.HostMemory < c.HostPhysBase {
		return fmt.Errorf("host memory [%#x, +%#x) overflows", c.HostPhysBase, c.HostMemory)
	}
	return nil
}
