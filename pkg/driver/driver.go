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

// Package driver holds the process-wide state: the device table, the
// allocation budget, the provider registry and the main bus.
package driver

import (
	"context"
	"sync"

	"github.com/alecthomas/units"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/bus"
	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
	"github.com/NVIDIA/vblock/pkg/registry"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// Owner is the name the driver registers its own provider under.
const Owner = "vblock"

type Config struct {
	Worker worker.Config `embed:"" prefix:"worker-"`
	Budget units.SI      `help:"Bytes available to queued work, relations and strings (0 is unlimited)" default:"0"`
}

var (
	ErrAlreadyInitialized = errors.New("driver: already initialized")
	ErrClosed             = errors.New("driver: closed")
	ErrDuplicateName      = errors.New("driver: duplicate device name")
	ErrLeak               = errors.New("driver: resources outstanding at close")
)

// Device is an object that can be given a table entry and a worker.
type Device interface {
	devtree.Object
	worker.Handler
	Attach(h devtree.Handle, w *worker.Worker)
}

type entry struct {
	h   devtree.Handle
	dev Device
	p   *registry.Provider
}

type Driver struct {
	cfg      Config
	tree     *devtree.Tree
	budget   *quota.Budget
	registry *registry.Registry
	root     devtree.Handle
	provider *registry.Provider
	log      *zap.Logger

	mu      sync.Mutex
	devices map[string]*entry
	bus     *bus.Bus
	prober  bus.Prober
	closed  bool
}

var (
	globalMu sync.Mutex
	global   *Driver
)

// Init creates the driver. Only one driver may be live at a time.
func Init(cfg Config) (*Driver, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, ErrAlreadyInitialized
	}

	d := &Driver{
		cfg:      cfg,
		tree:     devtree.New(),
		budget:   quota.New(int64(cfg.Budget)),
		registry: registry.New(),
		log:      zap.L().Named("driver"),
		devices:  make(map[string]*entry),
	}
	d.root = d.tree.Insert(rootDevice{})

	p, err := d.registry.Register(Owner, d.addDevice, d.unload)
	if err != nil {
		return nil, err
	}
	d.provider = p

	global = d
	d.log.Info("initialized", zap.Int64("budget", int64(cfg.Budget)), zap.Duration("timeout", cfg.Worker.Timeout))
	return d, nil
}

// Current returns the live driver, if any.
func Current() *Driver {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

func (d *Driver) Tree() *devtree.Tree {
	return d.tree
}

func (d *Driver) Budget() *quota.Budget {
	return d.budget
}

func (d *Driver) Registry() *registry.Registry {
	return d.registry
}

// Provider is the driver's own registration.
func (d *Driver) Provider() *registry.Provider {
	return d.provider
}

// Root is the handle of the device the main bus sits on.
func (d *Driver) Root() devtree.Handle {
	return d.root
}

// Bus returns the main bus once the root device has been added.
func (d *Driver) Bus() *bus.Bus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus
}

// SetProber installs the discovery hook of the main bus. It must be called
// before the root device is added.
func (d *Driver) SetProber(p bus.Prober) {
	d.mu.Lock()
	d.prober = p
	d.mu.Unlock()
}

// Lookup finds a live device by name.
func (d *Driver) Lookup(name string) (Device, devtree.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.devices[name]
	if !ok {
		return nil, devtree.Nil, false
	}
	return e.dev, e.h, true
}

// Disks returns the live disks created on behalf of p, or of every
// provider when p is nil.
func (d *Driver) Disks(p *registry.Provider) []*disk.Disk {
	d.mu.Lock()
	defer d.mu.Unlock()
	var disks []*disk.Disk
	for _, e := range d.devices {
		if dk, ok := e.dev.(*disk.Disk); ok && (p == nil || e.p == p) {
			disks = append(disks, dk)
		}
	}
	return disks
}

// CreateDevice enters dev in the device table under p and starts its
// worker. On failure every step already taken is undone.
func (d *Driver) CreateDevice(dev Device, class string, p *registry.Provider) (h devtree.Handle, err error) {
	if p == nil {
		p = d.provider
	}
	name := dev.Name()

	p.Usage().Increment()
	defer func() {
		if err != nil {
			p.Usage().Decrement()
		}
	}()

	h = d.tree.Insert(dev)
	defer func() {
		if err != nil {
			d.tree.Dereference(h)
			h = devtree.Nil
		}
	}()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return h, ErrClosed
	}
	if _, dup := d.devices[name]; dup {
		d.mu.Unlock()
		return h, errors.Wrap(ErrDuplicateName, name)
	}
	d.devices[name] = &entry{h: h, dev: dev, p: p}
	d.mu.Unlock()
	defer func() {
		if err != nil {
			d.mu.Lock()
			delete(d.devices, name)
			d.mu.Unlock()
		}
	}()

	w, err := worker.New(name, dev, worker.Options{
		Config: d.cfg.Worker,
		Class:  class,
		Budget: d.budget,
		OnExit: func() {
			d.release(name, h)
			p.Usage().Decrement()
		},
	})
	if err != nil {
		return h, err
	}
	dev.Attach(h, w)

	d.log.Debug("device created", zap.String("device", name), zap.String("class", class), zap.Stringer("handle", h), zap.String("owner", p.Owner))
	return h, nil
}

func (d *Driver) release(name string, h devtree.Handle) {
	d.mu.Lock()
	if e, ok := d.devices[name]; ok && e.h == h {
		delete(d.devices, name)
	}
	d.mu.Unlock()
	d.tree.Dereference(h)
	d.log.Debug("device released", zap.String("device", name), zap.Stringer("handle", h))
}

// CreateBus creates a bus sharing the driver's table and budget.
func (d *Driver) CreateBus(opts bus.Options, p *registry.Provider) (*bus.Bus, error) {
	opts.Tree = d.tree
	opts.Budget = d.budget
	b := bus.New(opts)
	if _, err := d.CreateDevice(b, "bus", p); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateDisk creates a disk sharing the driver's table and budget. The
// disk's capability queries go through the driver.
func (d *Driver) CreateDisk(opts disk.Options, p *registry.Provider) (*disk.Disk, error) {
	opts.Tree = d.tree
	opts.Budget = d.budget
	opts.Caps = d
	dk, err := disk.New(opts)
	if err != nil {
		return nil, err
	}
	if _, err := d.CreateDevice(dk, "disk", p); err != nil {
		return nil, err
	}
	return dk, nil
}

// DeviceCapabilities asks parent, or the root device when parent is nil,
// for its capabilities and waits for the answer.
func (d *Driver) DeviceCapabilities(parent worker.Lower, caps *pnp.Capabilities) pnp.Status {
	if parent == nil {
		parent = rootDevice{}
	}
	_, st, _ := Call(context.Background(), parent, pnp.QueryCapabilities, caps)
	return st
}

// RemoveDisk takes dk off its bus and destroys it. The first Remove
// unlinks a disk that is still on a bus; the second destroys it.
func (d *Driver) RemoveDisk(ctx context.Context, dk *disk.Disk) error {
	for i := 0; i < 2; i++ {
		_, st, err := Call(ctx, dk, pnp.Remove, nil)
		if err != nil {
			return err
		}
		switch st {
		case pnp.Success:
		case pnp.NoSuchDevice:
			return nil
		default:
			return st.Errorf("%s", dk.Name())
		}
	}
	return errors.Errorf("%s: still linked after remove", dk.Name())
}

// addDevice accepts the root device and builds the main bus on it.
func (d *Driver) addDevice(h devtree.Handle) pnp.Status {
	if h != d.root {
		return pnp.Unsupported
	}

	d.mu.Lock()
	if d.bus != nil {
		d.mu.Unlock()
		return pnp.Success
	}
	prober := d.prober
	d.mu.Unlock()

	b, err := d.CreateBus(bus.Options{
		Name:   "bus0",
		Prober: prober,
		Lower:  rootDevice{},
	}, d.provider)
	if err != nil {
		d.log.Error("create main bus", zap.Error(err))
		return pnp.Unsuccessful
	}

	d.mu.Lock()
	d.bus = b
	d.mu.Unlock()
	return pnp.Success
}

// unload destroys the driver's disks and the main bus.
func (d *Driver) unload(p *registry.Provider) {
	ctx := context.Background()
	for _, dk := range d.Disks(p) {
		if err := d.RemoveDisk(ctx, dk); err != nil {
			d.log.Warn("remove disk", zap.String("disk", dk.Name()), zap.Error(err))
		}
	}

	d.mu.Lock()
	b := d.bus
	d.bus = nil
	d.mu.Unlock()
	if b != nil {
		if _, st, _ := Call(ctx, b, pnp.Remove, nil); st != pnp.Success {
			d.log.Warn("remove main bus", zap.Stringer("status", st))
		}
	}

	d.registry.Deregister(p)
}

// Close unloads every provider, waits for their devices to go away and
// releases the driver. It reports anything left behind.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.Unlock()

	d.registry.UnloadAll()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.tree.Dereference(d.root)

	var result *multierror.Error
	if n := d.tree.Len(); n != 0 {
		result = multierror.Append(result, errors.Wrapf(ErrLeak, "%d devices", n))
	}
	if n := d.budget.InUse(); n != 0 {
		result = multierror.Append(result, errors.Wrapf(ErrLeak, "%d bytes of budget", n))
	}

	globalMu.Lock()
	if global == d {
		global = nil
	}
	globalMu.Unlock()

	d.log.Info("closed")
	return result.ErrorOrNil()
}
