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

// Package blockdev exports disks to the local kernel as SCSI block devices.
package blockdev

import (
	"io"

	"github.com/NVIDIA/vblock/pkg/disk"
)

type BlockDevice interface {
	io.Closer
	DevicePath() string
}

// BlockDeviceManager turns disks into block devices.
type BlockDeviceManager interface {
	io.Closer
	Open(dk *disk.Disk) (BlockDevice, error)
}
