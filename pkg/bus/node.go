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

package bus

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/devtree"
)

// Node registers a device on a bus without the bus owning it. While linked,
// the bus holds one reference on the node's device.
type Node struct {
	pdo devtree.Handle

	mu     sync.Mutex
	bus    *Bus
	linked bool
}

func NewNode(pdo devtree.Handle) *Node {
	return &Node{pdo: pdo}
}

func (n *Node) PDO() devtree.Handle {
	return n.pdo
}

// Bus is the bus n is linked to, or nil.
func (n *Node) Bus() *Bus {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.linked {
		return nil
	}
	return n.bus
}

func (n *Node) Linked() bool {
	return n.Bus() != nil
}

// AddNode links n at the end of the bus's node list.
func (b *Bus) AddNode(n *Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.linked {
		return errors.Wrap(ErrAlreadyLinked, n.pdo.String())
	}
	if err := b.tree.Reference(n.pdo); err != nil {
		return err
	}
	n.bus = b
	n.linked = true
	b.nodes.Add(n)
	b.log.Debug("added node", zap.Stringer("pdo", n.pdo), zap.Int("nodes", b.nodes.Size()))
	return nil
}

// RemoveNode unlinks n and drops the bus's reference on its device.
func (b *Bus) RemoveNode(n *Node) error {
	b.mu.Lock()
	n.mu.Lock()
	if !n.linked || n.bus != b {
		n.mu.Unlock()
		b.mu.Unlock()
		return errors.Wrap(ErrNotLinked, n.pdo.String())
	}
	it := b.nodes.Iterator()
	for it.Next() {
		if it.Value().(*Node) == n {
			b.nodes.Remove(it.Index())
			break
		}
	}
	n.linked = false
	n.mu.Unlock()
	b.mu.Unlock()

	b.tree.Dereference(n.pdo)
	b.log.Debug("removed node", zap.Stringer("pdo", n.pdo))
	return nil
}
