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

// Package disk implements the leaf disk device and its PnP state machine.
package disk

import (
	"fmt"
	"io"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/bus"
	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// Media is the storage behind a disk.
type Media interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// CapabilitiesSource answers capability queries about a disk's parent.
type CapabilitiesSource interface {
	DeviceCapabilities(parent worker.Lower, caps *pnp.Capabilities) pnp.Status
}

var ErrNoMedia = errors.New("disk: no media")

// Options describe a new disk.
type Options struct {
	Name      string
	URL       string
	MediaType pnp.MediaType
	Media     Media
	Tree      *devtree.Tree
	Budget    *quota.Budget
	Caps      CapabilitiesSource
}

// Disk is a disk device. Its requests are processed on its worker.
type Disk struct {
	name      string
	url       string
	mediaType pnp.MediaType
	media     Media
	instance  uint64
	tree      *devtree.Tree
	budget    *quota.Budget
	caps      CapabilitiesSource
	node      *bus.Node
	log       *zap.Logger

	mu           sync.Mutex
	h            devtree.Handle
	w            *worker.Worker
	state        pnp.State
	oldState     pnp.State
	specialFiles int
	closed       bool
}

func New(opts Options) (*Disk, error) {
	if opts.Media == nil {
		return nil, ErrNoMedia
	}
	tree := opts.Tree
	if tree == nil {
		tree = devtree.New()
	}
	budget := opts.Budget
	if budget == nil {
		budget = quota.New(0)
	}
	csum := xxhash.New64()
	csum.Write([]byte(opts.URL))
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("disk-%016x", csum.Sum64())
	}
	return &Disk{
		name:      name,
		url:       opts.URL,
		mediaType: opts.MediaType,
		media:     opts.Media,
		instance:  csum.Sum64(),
		tree:      tree,
		budget:    budget,
		caps:      opts.Caps,
		log:       zap.L().Named("disk").With(zap.String("disk", name)),
	}, nil
}

func (d *Disk) Name() string {
	return d.name
}

func (d *Disk) URL() string {
	return d.url
}

func (d *Disk) MediaType() pnp.MediaType {
	return d.mediaType
}

func (d *Disk) Size() int64 {
	return d.media.Size()
}

// Attach binds the disk to its device table entry and worker.
func (d *Disk) Attach(h devtree.Handle, w *worker.Worker) {
	d.mu.Lock()
	d.h = h
	d.w = w
	d.node = bus.NewNode(h)
	d.mu.Unlock()
}

func (d *Disk) Handle() devtree.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h
}

func (d *Disk) Worker() *worker.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w
}

// Node is the disk's registration on a bus.
func (d *Disk) Node() *bus.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.node
}

func (d *Disk) State() pnp.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SpecialFiles counts paging, hibernation and dump files placed on the disk.
func (d *Disk) SpecialFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.specialFiles
}

// Dispatch is the host entry point.
func (d *Disk) Dispatch(req *worker.Request) pnp.Status {
	w := d.Worker()
	if w == nil {
		req.Status = pnp.NoSuchDevice
		worker.Complete(req, 0)
		return pnp.NoSuchDevice
	}
	return w.Submit(req, false)
}

// Close releases the media and marks the disk worker for deletion.
func (d *Disk) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	w := d.w
	d.mu.Unlock()

	if err := d.media.Close(); err != nil {
		d.log.Warn("close media", zap.Error(err))
	}
	if w != nil {
		w.Delete()
	}
}

func (d *Disk) setState(s pnp.State) {
	d.mu.Lock()
	d.oldState = d.state
	d.state = s
	d.mu.Unlock()
}

func (d *Disk) restoreState() {
	d.mu.Lock()
	d.state = d.oldState
	d.mu.Unlock()
}

func (d *Disk) String() string {
	return fmt.Sprintf("%s %s %s (%s)", d.name, d.mediaType, d.url, d.State())
}
