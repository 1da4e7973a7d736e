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

package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/guestmem/gmm/cmd/util"
	"gvisor.dev/guestmem/gmm/config"
	"gvisor.dev/guestmem/pkg/addrspace"
	"gvisor.dev/guestmem/pkg/gpa"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	fault string
	dump  uint64
}

// Name implements subcommands.Command.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.
func (*Translate) Synopsis() string {
	return "translates guest physical addresses of a guest memory layout"
}

// Usage implements subcommands.Command.
func (*Translate) Usage() string {
	return `translate [flags] <layout.toml> <gpa>... - applies the layout and prints the host physical address of each guest address.
`
}

// SetFlags implements subcommands.Command.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.fault, "fault", "", "if set, fault on each address with this access before translating it.")
	f.Uint64Var(&t.dump, "dump", 0, "number of guest bytes to hex dump at each address.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var access gpa.MappingFlags
	if t.fault != "" {
		var err error
		if access, err = gpa.ParseMappingFlags(t.fault); err != nil {
			return util.Errorf("invalid -fault: %v", err)
		}
	}
	addrs, err := parseAddrs(f.Args()[1:])
	if err != nil {
		return util.Errorf("%v", err)
	}

	g, err := newGuest(conf, f.Arg(0))
	if err != nil {
		return util.Errorf("layout failed: %v", err)
	}
	defer g.release()

	status := subcommands.ExitSuccess
	for _, addr := range addrs {
		if t.fault != "" && !g.as.HandlePageFault(addr, access) {
			fmt.Fprintf(os.Stdout, "%v: fault %v not resolved\n", addr, access)
		}
		pa, limit, ok := g.as.TranslateAndGetLimit(addr)
		if !ok {
			fmt.Fprintf(os.Stdout, "%v: not mapped\n", addr)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(os.Stdout, "%v -> %v (area size %#x)\n", addr, pa, limit)
		if t.dump == 0 {
			continue
		}
		if err := t.dumpAt(g, addr); err != nil {
			fmt.Fprintf(os.Stdout, "  %v\n", err)
			status = subcommands.ExitFailure
		}
	}
	return status
}

func (t *Translate) dumpAt(g *guest, addr gpa.Addr) error {
	area, ok := g.areaAt(addr)
	if !ok {
		return fmt.Errorf("no area at %v", addr)
	}
	// Linear areas may target host memory outside the memory file, which
	// has no host mapping here.
	if area.Backend.Kind() == addrspace.Linear {
		pa, _ := g.as.Translate(addr)
		if !g.hostBytes(pa, t.dump) {
			return fmt.Errorf("%v is not backed by host memory", pa)
		}
	}
	views, ok := g.as.TranslatedByteBuffer(addr, t.dump)
	if !ok {
		return fmt.Errorf("cannot view %#x bytes at %v", t.dump, addr)
	}
	for i, v := range views {
		fmt.Fprintf(os.Stdout, "  run %d, %#x bytes:\n%s", i, len(v), hex.Dump(v))
	}
	return nil
}
