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

package blockdev_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vblock/pkg/blockdev"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/media"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

func newDisk(t *testing.T, d *driver.Driver, url string, data []byte) *disk.Disk {
	dk, err := d.CreateDisk(disk.Options{
		URL:       url,
		MediaType: pnp.HardDisk,
		Media:     media.NewRAM(url, data),
	}, nil)
	require.Nil(t, err)
	return dk
}

func TestDiskReader(t *testing.T) {
	d, err := driver.Init(driver.Config{Worker: worker.Config{Timeout: 20 * time.Millisecond}})
	require.Nil(t, err)
	defer func() {
		require.Nil(t, d.Close())
	}()

	dk := newDisk(t, d, "ram:test", []byte("0123456789"))
	r := blockdev.DiskReader{Dev: dk, Size: dk.Size()}

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 3)
	require.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))

	n, err = r.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = r.ReadAt(buf, 10)
	assert.Equal(t, io.EOF, err)

	dk.Close()
	select {
	case <-dk.Worker().Done():
	case <-time.After(5 * time.Second):
		panic("never")
	}
	_, err = r.ReadAt(buf, 0)
	assert.Equal(t, pnp.ErrRejected, errors.Cause(err))
}

type fakeDevice struct {
	path   string
	closed bool
}

func (f *fakeDevice) DevicePath() string {
	return f.path
}

func (f *fakeDevice) Close() error {
	f.closed = true
	return nil
}

type fakeManager struct {
	mu      sync.Mutex
	devices []*fakeDevice
	closed  bool
	fail    bool
}

func (m *fakeManager) Open(dk *disk.Disk) (blockdev.BlockDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("no tcmu")
	}
	dev := &fakeDevice{path: "/dev/vblock/" + blockdev.VolumeName(dk).String()}
	m.devices = append(m.devices, dev)
	return dev, nil
}

func (m *fakeManager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestExporter(t *testing.T) {
	d, err := driver.Init(driver.Config{Worker: worker.Config{Timeout: 20 * time.Millisecond}})
	require.Nil(t, err)

	mgr := &fakeManager{}
	e, err := blockdev.Register(d.Registry(), d.Tree(), mgr)
	require.Nil(t, err)

	assert.Equal(t, pnp.Success, d.Registry().Dispatch(d.Root()))
	assert.Empty(t, e.Exports())

	dk := newDisk(t, d, "ram:export", make([]byte, 4096))
	assert.Equal(t, pnp.Success, d.Registry().Dispatch(dk.Handle()))
	assert.Equal(t, pnp.Success, d.Registry().Dispatch(dk.Handle()))
	exports := e.Exports()
	require.Len(t, exports, 1)
	assert.Equal(t, "/dev/vblock/"+blockdev.VolumeName(dk).String(), exports[dk.Handle()])

	mgr.fail = true
	other := newDisk(t, d, "ram:other", make([]byte, 4096))
	assert.Equal(t, pnp.Unsupported, d.Registry().Dispatch(other.Handle()))

	require.Nil(t, d.Close())
	assert.True(t, mgr.closed)
	assert.True(t, mgr.devices[0].closed)
	assert.Empty(t, e.Exports())
}

func TestVolumeName(t *testing.T) {
	d, err := driver.Init(driver.Config{Worker: worker.Config{Timeout: 20 * time.Millisecond}})
	require.Nil(t, err)
	defer d.Close()

	a := newDisk(t, d, "ram:a", make([]byte, 512))
	b := newDisk(t, d, "ram:b", make([]byte, 512))
	assert.NotEqual(t, blockdev.VolumeName(a), blockdev.VolumeName(b))
	assert.Equal(t, int64(512), blockdev.BlockSize(pnp.HardDisk))
	assert.Equal(t, int64(2048), blockdev.BlockSize(pnp.OpticalDisc))
}
