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
package devtree

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"
)

var (
	// ErrStaleHandle is returned when a handle's slot was freed or reused.
	ErrStaleHandle = errors.New("devtree: stale device handle")
)

// Handle is a weak reference into a Tree. The generation makes a handle
// to a freed slot fail to resolve even after the index is reused.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Nil is the zero Handle; it never resolves.
var Nil Handle

func (h Handle) IsNil() bool {
	return h == Nil
}

func (h Handle) String() string {
	return fmt.Sprintf("dev%d.%d", h.Index, h.Gen)
}

// Object is anything stored in the tree.
type Object interface {
	Name() string
}

type slot struct {
	gen  uint32
	obj  Object
	refs int
}

// Tree owns device objects and their reference counts. Insert takes the
// creation reference; the slot is freed when the count reaches zero.
type Tree struct {
	mu    sync.Mutex
	slots *treemap.Map // map[int]*slot
	free  []uint32
	next  uint32
	gens  map[uint32]uint32
}

func New() *Tree {
	return &Tree{
		slots: treemap.NewWith(utils.IntComparator),
		next:  1,
		gens:  make(map[uint32]uint32),
	}
}

// Insert stores obj with a reference count of one.
func (t *Tree) Insert(obj Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = t.next
		t.next++
	}
	gen := t.gens[idx] + 1
	t.gens[idx] = gen
	t.slots.Put(int(idx), &slot{gen: gen, obj: obj, refs: 1})
	return Handle{Index: idx, Gen: gen}
}

func (t *Tree) lookup(h Handle) (*slot, bool) {
	v, ok := t.slots.Get(int(h.Index))
	if !ok {
		return nil, false
	}
	s := v.(*slot)
	if s.gen != h.Gen {
		return nil, false
	}
	return s, true
}

// Resolve returns the object behind h.
func (t *Tree) Resolve(h Handle) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(h)
	if !ok {
		return nil, false
	}
	return s.obj, true
}

// Reference takes one more reference on h.
func (t *Tree) Reference(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(h)
	if !ok {
		return errors.Wrap(ErrStaleHandle, h.String())
	}
	s.refs++
	return nil
}

// Dereference drops one reference and frees the slot on the last one.
func (t *Tree) Dereference(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(h)
	if !ok {
		return
	}
	s.refs--
	if s.refs < 0 {
		panic("devtree: negative reference count for " + h.String())
	}
	if s.refs == 0 {
		t.slots.Remove(int(h.Index))
		t.free = append(t.free, h.Index)
	}
}

// Refs reports the current reference count of h, or zero when stale.
func (t *Tree) Refs(h Handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.lookup(h)
	if !ok {
		return 0
	}
	return s.refs
}

// Len is the number of live objects.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots.Size()
}

// Walk calls fn for every live object in index order.
func (t *Tree) Walk(fn func(h Handle, obj Object)) {
	type entry struct {
		h   Handle
		obj Object
	}
	var entries []entry

	t.mu.Lock()
	it := t.slots.Iterator()
	for it.Next() {
		s := it.Value().(*slot)
		entries = append(entries, entry{Handle{uint32(it.Key().(int)), s.gen}, s.obj})
	}
	t.mu.Unlock()

	for _, e := range entries {
		fn(e.h, e.obj)
	}
}
