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

// Package registry keeps the ordered list of device providers that are
// offered new devices found by the host.
package registry

import (
	"sync"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/event"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/tracker"
)

// AddDeviceFunc offers a newly found device to a provider. Any status other
// than Success declines it.
type AddDeviceFunc func(h devtree.Handle) pnp.Status

// UnloadFunc asks a provider to tear itself down and deregister.
type UnloadFunc func(p *Provider)

var ErrNoAddDevice = errors.New("registry: provider has no AddDevice callback")

// Provider is one registered source of devices. Devices created on behalf
// of a provider hold references on its usage tracker.
type Provider struct {
	Owner string

	addDevice AddDeviceFunc
	unload    UnloadFunc
	usage     *tracker.Tracker
}

func (p *Provider) Usage() *tracker.Tracker {
	return p.usage
}

// Registry is a mutex guarded provider list.
type Registry struct {
	mu        sync.Mutex
	providers *arraylist.List
	empty     *event.Event
}

func New() *Registry {
	return &Registry{
		providers: arraylist.New(),
		empty:     event.New(true),
	}
}

func logger() *zap.Logger {
	return zap.L().Named("registry")
}

// Register appends a provider.
func (r *Registry) Register(owner string, addDevice AddDeviceFunc, unload UnloadFunc) (*Provider, error) {
	if addDevice == nil {
		return nil, errors.Wrap(ErrNoAddDevice, owner)
	}
	p := &Provider{
		Owner:     owner,
		addDevice: addDevice,
		unload:    unload,
		usage:     tracker.New(),
	}

	r.mu.Lock()
	r.providers.Add(p)
	r.empty.Clear()
	r.mu.Unlock()

	logger().Debug("registered provider", zap.String("owner", owner))
	return p, nil
}

func (r *Registry) indexLocked(p *Provider) int {
	it := r.providers.Iterator()
	for it.Next() {
		if it.Value().(*Provider) == p {
			return it.Index()
		}
	}
	return -1
}

// Deregister removes p and blocks until every device created on its
// behalf has released it.
func (r *Registry) Deregister(p *Provider) {
	r.mu.Lock()
	if i := r.indexLocked(p); i >= 0 {
		r.providers.Remove(i)
	}
	if r.providers.Empty() {
		r.empty.Set()
	}
	r.mu.Unlock()

	logger().Debug("waiting for provider devices", zap.String("owner", p.Owner), zap.Int("usage", p.usage.Usage()))
	p.usage.Wait()
	logger().Debug("deregistered provider", zap.String("owner", p.Owner))
}

// Dispatch offers the device behind h to each provider in registration
// order until one accepts it. The list stays locked across the callbacks,
// so providers must not register or deregister from AddDevice.
func (r *Registry) Dispatch(h devtree.Handle) pnp.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.providers.Iterator()
	for it.Next() {
		p := it.Value().(*Provider)
		if st := p.addDevice(h); st == pnp.Success {
			logger().Debug("device added", zap.Stringer("device", h), zap.String("owner", p.Owner))
			return pnp.Success
		}
	}
	return pnp.Unsupported
}

// UnloadAll asks every provider to unload and waits until none is left.
// Providers that do not deregister themselves are deregistered for them.
func (r *Registry) UnloadAll() {
	for {
		r.mu.Lock()
		v, ok := r.providers.Get(0)
		r.mu.Unlock()
		if !ok {
			break
		}

		p := v.(*Provider)
		if p.unload != nil {
			p.unload(p)
		}

		r.mu.Lock()
		still := r.indexLocked(p) >= 0
		r.mu.Unlock()
		if still {
			r.Deregister(p)
		}
	}
	r.empty.Wait()
}

// Len is the number of registered providers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers.Size()
}

// Providers returns a snapshot of the list in registration order.
func (r *Registry) Providers() []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Provider, 0, r.providers.Size())
	for _, v := range r.providers.Values() {
		out = append(out, v.(*Provider))
	}
	return out
}
