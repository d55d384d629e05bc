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

// Package bus implements the bus device: a PnP state machine that owns a
// set of child devices and tracks the nodes registered on it.
package bus

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// Prober lets discovery logic register new devices on a bus right before
// the bus takes a relations snapshot. Probe runs on the bus worker.
type Prober interface {
	Probe(b *Bus)
}

// Closer is implemented by child devices that need to be shut down when
// their bus goes away.
type Closer interface {
	Close()
}

var (
	ErrNotLinked     = errors.New("bus: node is not linked")
	ErrAlreadyLinked = errors.New("bus: node is already linked")
	ErrDuplicate     = errors.New("bus: child already attached")
)

// Options describe a new bus.
type Options struct {
	Name   string
	Number int
	Tree   *devtree.Tree
	Budget *quota.Budget
	Prober Prober
	Lower  worker.Lower
}

type childItem struct {
	seq uint64
	h   devtree.Handle
}

func (c childItem) Less(than btree.Item) bool {
	return c.seq < than.(childItem).seq
}

// Bus is a bus device. Its PnP requests are processed on its worker.
type Bus struct {
	name     string
	number   int
	instance uuid.UUID
	tree     *devtree.Tree
	budget   *quota.Budget
	prober   Prober
	log      *zap.Logger

	mu       sync.Mutex
	h        devtree.Handle
	w        *worker.Worker
	lower    worker.Lower
	state    pnp.State
	oldState pnp.State
	children *btree.BTree
	childSeq map[devtree.Handle]uint64
	seq      uint64
	nodes    *doublylinkedlist.List
}

func New(opts Options) *Bus {
	tree := opts.Tree
	if tree == nil {
		tree = devtree.New()
	}
	budget := opts.Budget
	if budget == nil {
		budget = quota.New(0)
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("bus%d", opts.Number)
	}
	return &Bus{
		name:     name,
		number:   opts.Number,
		instance: uuid.New(),
		tree:     tree,
		budget:   budget,
		prober:   opts.Prober,
		log:      zap.L().Named("bus").With(zap.String("bus", name)),
		lower:    opts.Lower,
		state:    pnp.NotStarted,
		oldState: pnp.NotStarted,
		children: btree.New(2),
		childSeq: make(map[devtree.Handle]uint64),
		nodes:    doublylinkedlist.New(),
	}
}

func (b *Bus) Name() string {
	return b.name
}

func (b *Bus) Number() int {
	return b.number
}

// Attach binds the bus to its device table entry and worker.
func (b *Bus) Attach(h devtree.Handle, w *worker.Worker) {
	b.mu.Lock()
	b.h = h
	b.w = w
	b.mu.Unlock()
}

func (b *Bus) Handle() devtree.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.h
}

func (b *Bus) Worker() *worker.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w
}

func (b *Bus) Tree() *devtree.Tree {
	return b.tree
}

func (b *Bus) Lower() worker.Lower {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lower
}

func (b *Bus) State() pnp.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close marks the bus worker for deletion.
func (b *Bus) Close() {
	if w := b.Worker(); w != nil {
		w.Delete()
	}
}

func (b *Bus) setState(s pnp.State) {
	b.mu.Lock()
	b.oldState = b.state
	b.state = s
	b.mu.Unlock()
}

func (b *Bus) restoreState() {
	b.mu.Lock()
	b.state = b.oldState
	b.mu.Unlock()
}

// AddChild attaches the device behind h as an owned child. The bus takes
// its own reference on h.
func (b *Bus) AddChild(h devtree.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.childSeq[h]; dup {
		return errors.Wrap(ErrDuplicate, h.String())
	}
	if err := b.tree.Reference(h); err != nil {
		return err
	}
	b.seq++
	b.childSeq[h] = b.seq
	b.children.ReplaceOrInsert(childItem{seq: b.seq, h: h})
	return nil
}

// DetachChild removes a child and drops the bus's reference on it.
func (b *Bus) DetachChild(h devtree.Handle) bool {
	b.mu.Lock()
	seq, ok := b.childSeq[h]
	if ok {
		delete(b.childSeq, h)
		b.children.Delete(childItem{seq: seq})
	}
	b.mu.Unlock()
	if ok {
		b.tree.Dereference(h)
	}
	return ok
}

// Children returns the child handles in attach order.
func (b *Bus) Children() []devtree.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.childrenLocked()
}

func (b *Bus) childrenLocked() []devtree.Handle {
	out := make([]devtree.Handle, 0, b.children.Len())
	b.children.Ascend(func(i btree.Item) bool {
		out = append(out, i.(childItem).h)
		return true
	})
	return out
}

// Nodes returns the registered nodes in list order.
func (b *Bus) Nodes() []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Node, 0, b.nodes.Size())
	it := b.nodes.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Node))
	}
	return out
}

// Dispatch is the host entry point. Removal and relation queries are queued
// past their deferral checkpoint so that they are processed on the worker
// in their second phase.
func (b *Bus) Dispatch(req *worker.Request) pnp.Status {
	w := b.Worker()
	if w == nil {
		req.Status = pnp.NoSuchDevice
		worker.Complete(req, 0)
		return pnp.NoSuchDevice
	}
	if deferred(req) && !req.PendingReturned() {
		req.MarkPendingReturned()
		w.Submit(req, false)
		return pnp.Pending
	}
	return w.Submit(req, false)
}

func deferred(req *worker.Request) bool {
	if req.Major != pnp.MajorPnP {
		return false
	}
	return req.Minor == pnp.Remove || req.Minor == pnp.QueryDeviceRelations
}

func (b *Bus) String() string {
	return fmt.Sprintf("%s (%s)", b.name, b.State())
}
