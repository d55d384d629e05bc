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

// Package kmod loads kernel modules.
package kmod

import (
	"bufio"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Loaded reports whether module is listed in /proc/modules.
func Loaded(module string) (bool, error) {
	f, err := os.Open("/proc/modules")
	if err != nil {
		return false, errors.Wrap(err, "reading /proc/modules")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if fields := strings.Fields(sc.Text()); len(fields) > 0 && fields[0] == module {
			return true, nil
		}
	}
	return false, errors.Wrap(sc.Err(), "reading /proc/modules")
}

// Modprobe inserts module unless it is already loaded.
func Modprobe(module string) error {
	loaded, err := Loaded(module)
	if err != nil {
		return err
	}
	if loaded {
		return nil
	}
	if out, err := exec.Command("modprobe", module).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "inserting %q kernel module: %s", module, strings.TrimSpace(string(out)))
	}
	return nil
}
