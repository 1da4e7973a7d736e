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
	"gvisor.dev/guestmem/pkg/npt"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	mappings     bool
	placeholders bool
}

// Name implements subcommands.Command.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.
func (*Layout) Synopsis() string {
	return "applies a guest memory layout and shows the resulting address space"
}

// Usage implements subcommands.Command.
func (*Layout) Usage() string {
	return `layout [flags] <layout.toml> - applies the layout to a fresh address space and prints its areas.
`
}

// SetFlags implements subcommands.Command.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.mappings, "mappings", false, "also print every page table leaf.")
	f.BoolVar(&l.placeholders, "placeholders", false, "include lazy placeholder leaves when printing mappings.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	g, err := newGuest(conf, f.Arg(0))
	if err != nil {
		return util.Errorf("layout failed: %v", err)
	}
	defer g.release()

	fmt.Fprint(os.Stdout, g.as)
	if l.mappings {
		g.as.PageTable().ForEachMapping(func(m npt.Mapping) bool {
			if m.Placeholder {
				if l.placeholders {
					fmt.Fprintf(os.Stdout, "  %v %-2v placeholder\n", m.Start, m.Size)
				}
				return true
			}
			fmt.Fprintf(os.Stdout, "  %v %-2v -> %v %v\n", m.Start, m.Size, m.Target, m.Flags)
			return true
		})
	}
	fmt.Fprintf(os.Stdout, "page table nodes: %d, host frames: %d/%d\n", g.as.PageTable().Nodes(), g.mem.InUse(), g.mem.Capacity())
	return subcommands.ExitSuccess
}
