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
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/registry"
)

// Owner is the name exporters register under.
const Owner = "blockdev"

// Exporter is a provider that exports every disk offered to it.
type Exporter struct {
	mgr  BlockDeviceManager
	tree *devtree.Tree
	reg  *registry.Registry
	p    *registry.Provider
	log  *zap.Logger

	mu      sync.Mutex
	exports map[devtree.Handle]BlockDevice
}

// Register adds an exporter backed by mgr to reg. Disks are looked up in
// tree.
func Register(reg *registry.Registry, tree *devtree.Tree, mgr BlockDeviceManager) (*Exporter, error) {
	e := &Exporter{
		mgr:     mgr,
		tree:    tree,
		reg:     reg,
		log:     zap.L().Named("blockdev"),
		exports: make(map[devtree.Handle]BlockDevice),
	}
	p, err := reg.Register(Owner, e.addDevice, e.unload)
	if err != nil {
		return nil, err
	}
	e.p = p
	return e, nil
}

// Exports returns the device paths of the current exports.
func (e *Exporter) Exports() map[devtree.Handle]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make(map[devtree.Handle]string, len(e.exports))
	for h, bdev := range e.exports {
		paths[h] = bdev.DevicePath()
	}
	return paths
}

func (e *Exporter) addDevice(h devtree.Handle) pnp.Status {
	obj, ok := e.tree.Resolve(h)
	if !ok {
		return pnp.NoSuchDevice
	}
	dk, ok := obj.(*disk.Disk)
	if !ok {
		return pnp.Unsupported
	}

	e.mu.Lock()
	_, dup := e.exports[h]
	e.mu.Unlock()
	if dup {
		return pnp.Success
	}

	bdev, err := e.mgr.Open(dk)
	if err != nil {
		e.log.Error("export", zap.String("disk", dk.Name()), zap.Error(err))
		return pnp.Unsuccessful
	}

	e.mu.Lock()
	e.exports[h] = bdev
	e.mu.Unlock()
	promExports.Inc()
	e.log.Info("exported", zap.String("disk", dk.Name()), zap.String("path", bdev.DevicePath()))
	return pnp.Success
}

// Close tears down every export and the manager.
func (e *Exporter) Close() error {
	e.mu.Lock()
	exports := e.exports
	e.exports = make(map[devtree.Handle]BlockDevice)
	e.mu.Unlock()

	var result *multierror.Error
	for _, bdev := range exports {
		if err := bdev.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		promExports.Dec()
	}
	if err := e.mgr.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (e *Exporter) unload(p *registry.Provider) {
	if err := e.Close(); err != nil {
		e.log.Warn("close exports", zap.Error(err))
	}
	e.reg.Deregister(p)
}
