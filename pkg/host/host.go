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

// Package host plays the part of the PnP manager: it starts the main bus,
// enumerates its relations, hands new devices to the registered providers
// and tears everything down on shutdown.
package host

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

type Host struct {
	d   *driver.Driver
	log *zap.Logger

	mu    sync.Mutex
	known map[devtree.Handle]bool
}

func New(d *driver.Driver) *Host {
	return &Host{
		d:     d,
		log:   zap.L().Named("host"),
		known: make(map[devtree.Handle]bool),
	}
}

// Start offers the root device to the providers, starts the main bus and
// runs a first enumeration.
func (h *Host) Start(ctx context.Context) error {
	if st := h.d.Registry().Dispatch(h.d.Root()); st != pnp.Success {
		return st.Errorf("add root device")
	}
	b := h.d.Bus()
	if b == nil {
		return errors.New("no bus on the root device")
	}
	if _, st, err := driver.Call(ctx, b, pnp.Start, nil); err != nil {
		return err
	} else if st != pnp.Success {
		return st.Errorf("start %s", b.Name())
	}
	_, err := h.Enumerate(ctx)
	return err
}

// Enumerate asks the main bus for its relations, starts devices that are
// new and removes devices that are gone. It returns the current relations.
func (h *Host) Enumerate(ctx context.Context) ([]devtree.Handle, error) {
	b := h.d.Bus()
	if b == nil {
		return nil, errors.New("no bus")
	}
	req, st, err := driver.Call(ctx, b, pnp.QueryDeviceRelations, &pnp.RelationsQuery{Type: pnp.BusRelations})
	if err != nil {
		return nil, err
	}
	if st != pnp.Success {
		return nil, st.Errorf("query bus relations")
	}
	rel, _ := req.Result.(*pnp.Relations)
	defer rel.Release()

	var handles []devtree.Handle
	if rel != nil {
		handles = append(handles, rel.Handles...)
	}
	current := make(map[devtree.Handle]bool, len(handles))
	var added []devtree.Handle
	h.mu.Lock()
	for _, dh := range handles {
		current[dh] = true
		if !h.known[dh] {
			h.known[dh] = true
			added = append(added, dh)
		}
	}
	var gone []devtree.Handle
	for dh := range h.known {
		if !current[dh] {
			gone = append(gone, dh)
			delete(h.known, dh)
		}
	}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, dh := range added {
		dh := dh
		g.Go(func() error {
			return h.add(gctx, dh)
		})
	}
	for _, dh := range gone {
		dh := dh
		g.Go(func() error {
			return h.remove(gctx, dh)
		})
	}
	return handles, g.Wait()
}

func (h *Host) add(ctx context.Context, dh devtree.Handle) error {
	obj, ok := h.d.Tree().Resolve(dh)
	if !ok {
		return nil
	}
	dev, ok := obj.(worker.Lower)
	if !ok {
		return errors.Errorf("%s cannot take requests", obj.Name())
	}
	if st := h.d.Registry().Dispatch(dh); st != pnp.Success {
		h.log.Info("no provider for device", zap.String("device", obj.Name()))
	}
	if _, st, err := driver.Call(ctx, dev, pnp.Start, nil); err != nil {
		return err
	} else if st != pnp.Success {
		return st.Errorf("start %s", obj.Name())
	}
	h.log.Info("device started", zap.String("device", obj.Name()))
	return nil
}

func (h *Host) remove(ctx context.Context, dh devtree.Handle) error {
	obj, ok := h.d.Tree().Resolve(dh)
	if !ok {
		return nil
	}
	dk, ok := obj.(*disk.Disk)
	if !ok {
		return nil
	}
	h.log.Info("device gone", zap.String("device", dk.Name()))
	return h.d.RemoveDisk(ctx, dk)
}

// Shutdown removes every disk and unloads the providers.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.known = make(map[devtree.Handle]bool)
	h.mu.Unlock()

	for _, dk := range h.d.Disks(nil) {
		if err := h.d.RemoveDisk(ctx, dk); err != nil {
			h.log.Warn("remove disk", zap.String("disk", dk.Name()), zap.Error(err))
		}
	}
	h.d.Registry().UnloadAll()
	return nil
}
