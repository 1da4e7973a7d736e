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
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/guestmem/gmm/cmd/util"
	"gvisor.dev/guestmem/gmm/config"
	"gvisor.dev/guestmem/pkg/addrspace"
	"gvisor.dev/guestmem/pkg/gpa"
)

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	access string
}

// Name implements subcommands.Command.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.
func (*Fault) Synopsis() string {
	return "replays nested page faults against a guest memory layout"
}

// Usage implements subcommands.Command.
func (*Fault) Usage() string {
	return `fault [flags] <layout.toml> <gpa>... - applies the layout, then faults on each address in order.
`
}

// SetFlags implements subcommands.Command.
func (c *Fault) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.access, "access", "r", "access of every fault, as a combination of r, w, x and u.")
}

// Execute implements subcommands.Command.Execute.
func (c *Fault) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	access, err := gpa.ParseMappingFlags(c.access)
	if err != nil {
		return util.Errorf("invalid -access: %v", err)
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
		info := addrspace.NestedPageFaultInfo{
			AccessFlags:     access,
			FaultGuestPaddr: addr,
		}
		if !g.as.HandleNestedPageFault(info) {
			fmt.Fprintf(os.Stdout, "%v %v: not resolved\n", addr, access)
			status = subcommands.ExitFailure
			continue
		}
		pa, _ := g.as.Translate(addr)
		fmt.Fprintf(os.Stdout, "%v %v: resolved -> %v\n", addr, access, pa)
	}
	fmt.Fprintf(os.Stdout, "flushes: %d, host frames: %d/%d\n", g.flushes, g.mem.InUse(), g.mem.Capacity())
	return status
}
