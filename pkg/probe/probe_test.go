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

package probe_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/probe"
	"github.com/NVIDIA/vblock/pkg/worker"
)

func relations(t *testing.T, d *driver.Driver) []*disk.Disk {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, st, err := driver.Call(ctx, d.Bus(), pnp.QueryDeviceRelations, &pnp.RelationsQuery{Type: pnp.BusRelations})
	require.Nil(t, err)
	require.Equal(t, pnp.Success, st)
	rel := req.Result.(*pnp.Relations)
	defer rel.Release()

	var disks []*disk.Disk
	for _, h := range rel.Handles {
		obj, ok := d.Tree().Resolve(h)
		require.True(t, ok)
		disks = append(disks, obj.(*disk.Disk))
	}
	return disks
}

func TestProbe(t *testing.T) {
	d, err := driver.Init(driver.Config{Worker: worker.Config{Timeout: 20 * time.Millisecond}})
	require.Nil(t, err)
	defer func() {
		require.Nil(t, d.Close())
	}()

	p, err := probe.New(d, probe.Config{
		Media:   []string{"ram:4KiB", "ram:4KiB", "zero:1440KiB", "gopher://nowhere/disk.img"},
		Timeout: 50 * time.Millisecond,
	})
	require.Nil(t, err)
	d.SetProber(p)
	require.Equal(t, pnp.Success, d.Registry().Dispatch(d.Root()))
	assert.Equal(t, 4, p.Pending())

	disks := relations(t, d)
	require.Len(t, disks, 2)
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, "ram:4KiB", disks[0].URL())
	assert.Equal(t, pnp.HardDisk, disks[0].MediaType())
	assert.Equal(t, int64(4096), disks[0].Size())
	assert.Equal(t, pnp.Floppy, disks[1].MediaType())
	for _, dk := range disks {
		assert.True(t, dk.Node().Linked())
	}

	p.Add("ram:4KiB")
	assert.Len(t, relations(t, d), 2)

	require.Nil(t, d.RemoveDisk(context.Background(), disks[0]))
	assert.Len(t, relations(t, d), 1)
	select {
	case <-disks[0].Worker().Done():
	case <-time.After(5 * time.Second):
		panic("never")
	}

	p.Forget("ram:4KiB")
	p.Add("ram:4KiB")
	assert.Len(t, relations(t, d), 2)
}
