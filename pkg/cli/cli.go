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
	"reflect"

	"github.com/alecthomas/kong"
	"github.com/alecthomas/units"

	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/media"
)

type Globals struct {
	LogLevel string        `help:"Set the logging level (debug|info|warn|error)" default:"info"`
	Driver   driver.Config `embed:"" prefix:"driver-"`
	Media    media.Config  `embed:"" prefix:"media-"`
}

type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Attach media as disks and serve them until interrupted"`
	Tree    TreeCmd    `cmd:"" help:"Print the device tree built from the given media"`
	Version VersionCmd `cmd:"" help:"Print the client version information"`
}

func SIDecoder(ctx *kong.DecodeContext, target reflect.Value) error {
	var value string
	if err := ctx.Scan.PopValueInto("si", &value); err != nil {
		return err
	}

	si, err := units.ParseStrictBytes(value)
	if err != nil {
		return err
	}
	target.Set(reflect.ValueOf(units.SI(si)))
	return nil
}

func SITypeMapper() kong.Option {
	var si units.SI
	return kong.TypeMapper(reflect.TypeOf(si), kong.MapperFunc(SIDecoder))
}
