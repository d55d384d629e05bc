// Copyright © 2019 NVIDIA Corporation
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

package vblock_cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/units"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/bus"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/host"
	"github.com/NVIDIA/vblock/pkg/probe"
)

type TreeCmd struct {
	Probe probe.Config `embed:"" prefix:"probe-"`
}

func (cmd *TreeCmd) Run(globals *Globals) error {
	d, _, err := Setup(globals, cmd.Probe)
	if err != nil {
		zap.L().Fatal("initializing driver", zap.Error(err))
	}

	ctx := context.Background()
	h := host.New(d)
	if err := h.Start(ctx); err != nil {
		zap.L().Fatal("starting", zap.Error(err))
	}

	PrintTree(os.Stdout, d)
	return shutdown(ctx, h, d)
}

// PrintTree renders the main bus and the devices on it.
func PrintTree(w io.Writer, d *driver.Driver) {
	b := d.Bus()
	if b == nil {
		fmt.Fprintln(w, "(no bus)")
		return
	}
	color.New(color.FgBlue, color.Bold).Fprintln(w, b.String())

	var entries []string
	for _, h := range b.Children() {
		if obj, ok := d.Tree().Resolve(h); ok {
			entries = append(entries, describe(obj))
		}
	}
	for _, n := range b.Nodes() {
		if obj, ok := d.Tree().Resolve(n.PDO()); ok {
			entries = append(entries, describe(obj))
		}
	}

	for i, e := range entries {
		prefix := "├── "
		if i == len(entries)-1 {
			prefix = "└── "
		}
		fmt.Fprint(w, prefix)
		color.New(color.FgGreen, color.Bold).Fprintln(w, e)
	}
}

func describe(obj interface{ Name() string }) string {
	switch dev := obj.(type) {
	case *disk.Disk:
		return fmt.Sprintf("%s [%s %s] ⇒ %s", dev.Name(), dev.MediaType(), units.Base2Bytes(dev.Size()), dev.URL())
	case *bus.Bus:
		return dev.String()
	default:
		return dev.Name()
	}
}
