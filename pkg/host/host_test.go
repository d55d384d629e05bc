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

package host_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/host"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/probe"
	"github.com/NVIDIA/vblock/pkg/registry"
	"github.com/NVIDIA/vblock/pkg/worker"
)

func TestLifecycle(t *testing.T) {
	d, err := driver.Init(driver.Config{Worker: worker.Config{Timeout: 20 * time.Millisecond}})
	require.Nil(t, err)

	p, err := probe.New(d, probe.Config{Media: []string{"ram:1MiB", "zero:1440KiB"}})
	require.Nil(t, err)
	d.SetProber(p)

	var mu sync.Mutex
	var offered []devtree.Handle
	var unloaded bool
	_, err = d.Registry().Register("recorder", func(h devtree.Handle) pnp.Status {
		obj, ok := d.Tree().Resolve(h)
		if !ok {
			return pnp.NoSuchDevice
		}
		if _, ok := obj.(*disk.Disk); !ok {
			return pnp.Unsupported
		}
		mu.Lock()
		offered = append(offered, h)
		mu.Unlock()
		return pnp.Success
	}, func(rp *registry.Provider) {
		mu.Lock()
		unloaded = true
		mu.Unlock()
		d.Registry().Deregister(rp)
	})
	require.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hst := host.New(d)
	require.Nil(t, hst.Start(ctx))
	assert.Equal(t, pnp.Started, d.Bus().State())

	disks := d.Disks(nil)
	require.Len(t, disks, 2)
	for _, dk := range disks {
		assert.Equal(t, pnp.Started, dk.State())
	}
	mu.Lock()
	assert.Len(t, offered, 2)
	mu.Unlock()

	handles, err := hst.Enumerate(ctx)
	require.Nil(t, err)
	assert.Len(t, handles, 2)
	mu.Lock()
	assert.Len(t, offered, 2)
	mu.Unlock()

	// Taking a disk off the bus makes the next enumeration destroy it.
	gone := disks[0]
	_, st, err := driver.Call(ctx, gone, pnp.Remove, nil)
	require.Nil(t, err)
	require.Equal(t, pnp.Success, st)
	handles, err = hst.Enumerate(ctx)
	require.Nil(t, err)
	assert.Len(t, handles, 1)
	select {
	case <-gone.Worker().Done():
	case <-time.After(5 * time.Second):
		panic("never")
	}

	require.Nil(t, hst.Shutdown(ctx))
	mu.Lock()
	assert.True(t, unloaded)
	mu.Unlock()
	assert.Equal(t, 0, d.Registry().Len())
	assert.Empty(t, d.Disks(nil))
	require.Nil(t, d.Close())
}
