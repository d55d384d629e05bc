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
	"fmt"
	"runtime"

	"github.com/NVIDIA/vblock/pkg/media"
)

// Version is injected with git sha in build
var Version = ""

type VersionCmd struct {
	Verbose bool `short:"v" help:"Also print the Go version and media schemes"`
}

func (cmd *VersionCmd) Run(globals *Globals) error {
	fmt.Println(Version)
	if cmd.Verbose {
		fmt.Println(runtime.Version())
		fmt.Println(media.Schemes())
	}
	return nil
}
