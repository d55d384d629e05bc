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

package blockdev

import (
	"encoding/hex"
	"path"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tnarg/go-tcmu"

	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/kmod"
	"github.com/NVIDIA/vblock/pkg/pnp"
)

type TCMUConfig struct {
	Workers          int    `help:"Number of goroutines handling SCSI commands" default:"12"`
	WorkerBufferSize int    `help:"Size of the static buffer used by each goroutine" default:"4194304"`
	DeviceNamespace  string `help:"The namespace under /dev where devices are created" default:"vblock"`
	HBA              int    `help:"The SCSI Host Bus Adapter identifier" default:"30"`
	BlockXferMin     uint16 `help:"Advertise minimum blocks to transfer" default:"128"`
	BlockXferMax     uint32 `help:"Advertise maximum blocks to transfer" default:"16384"`
	BlockXferOpt     uint32 `help:"Advertise optimal block transfer size" default:"2048"`
	Tune             bool   `help:"Tune the queue of exported devices and mark them read-only" default:"true"`
}

// volumeNamespace scopes the volume names derived from media URLs.
var volumeNamespace = uuid.Must(uuid.Parse("5c1b1ac6-6b8e-4bd9-9a3c-8e2f0c8a4d71"))

func NewTCMUBlockDeviceManager(cfg TCMUConfig) (BlockDeviceManager, error) {
	for _, mod := range []string{"configfs", "target_core_user"} {
		if err := kmod.Modprobe(mod); err != nil {
			return nil, errors.Wrapf(err, "load %s", mod)
		}
	}

	return &tcmuBlockDeviceManager{
		cfg:  cfg,
		pool: NewCmdPool(cfg.Workers, cfg.WorkerBufferSize),
	}, nil
}

type tcmuBlockDeviceManager struct {
	cfg  TCMUConfig
	pool *CmdPool
}

// VolumeName is the stable identity of the media behind dk.
func VolumeName(dk *disk.Disk) uuid.UUID {
	return uuid.NewSHA1(volumeNamespace, []byte(dk.URL()))
}

// BlockSize is the logical block size advertised for a medium.
func BlockSize(m pnp.MediaType) int64 {
	if m == pnp.OpticalDisc {
		return 2048
	}
	return 512
}

func (d *tcmuBlockDeviceManager) Open(dk *disk.Disk) (BlockDevice, error) {
	volumeName := VolumeName(dk)

	handler := &tcmu.SCSIHandler{
		HBA:        d.cfg.HBA,
		WWN:        generateWWN(volumeName),
		VolumeName: volumeName.String(),
		DataSizes: tcmu.DataSizes{
			VolumeSize:   dk.Size(),
			BlockSize:    BlockSize(dk.MediaType()),
			BlockXferMin: d.cfg.BlockXferMin,
			BlockXferMax: d.cfg.BlockXferMax,
			BlockXferOpt: d.cfg.BlockXferOpt,
		},
		DevReady: d.pool.DevReady(readerAtCmdHandler{
			R:    DiskReader{Dev: dk, Size: dk.Size()},
			Name: dk.Name(),
		}),
	}

	prefix := path.Join(devfs, d.cfg.DeviceNamespace)
	dev, err := tcmu.OpenTCMUDevice(prefix, handler)
	if err != nil {
		return nil, errors.Wrap(err, "opening tcmu device")
	}

	devpath, err := canonicalizeBlockDevice(path.Join(prefix, volumeName.String()))
	if err != nil {
		if e := dev.Close(); e != nil {
			err = multierror.Append(err, e)
		}
		return nil, errors.Wrap(err, "canonicalizing backing device path")
	}

	bdev := &tcmuBlockDevice{dev, devpath}
	if d.cfg.Tune {
		TuneDeviceQueue(bdev)
	}
	return bdev, nil
}

func (d *tcmuBlockDeviceManager) Close() error {
	return d.pool.Close()
}

func generateWWN(id uuid.UUID) tcmu.WWN {
	return tcmu.NaaWWN{
		OUI:         "00044B", // NVIDIA's IEEE Organizationally Unique Identifier
		VendorID:    hex.EncodeToString(id[:4]),
		VendorIDExt: hex.EncodeToString(id[4:12]),
	}
}

type tcmuBlockDevice struct {
	dev     *tcmu.Device
	devpath string
}

func (d *tcmuBlockDevice) Close() error {
	return d.dev.Close()
}

func (d *tcmuBlockDevice) DevicePath() string {
	return d.devpath
}
