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
	"fmt"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// TextPrefix starts every identifier and description this driver reports.
const TextPrefix = "vblock"

// HandleRequest processes one request on the bus worker.
func (b *Bus) HandleRequest(w *worker.Worker, req *worker.Request) pnp.Status {
	if req.Major != pnp.MajorPnP {
		req.Status = pnp.Unsupported
		w.CompleteAndPassUp(req, 0)
		return pnp.Unsupported
	}

	b.log.Debug("pnp request", zap.Stringer("minor", req.Minor), zap.Stringer("state", b.State()))

	switch req.Minor {
	case pnp.Start:
		return b.start(w, req)
	case pnp.Remove:
		return b.remove(w, req)
	case pnp.QueryDeviceRelations:
		return b.queryRelations(w, req)
	case pnp.QueryCapabilities:
		return b.queryCapabilities(w, req)
	case pnp.QueryID:
		return b.queryID(w, req)
	case pnp.QueryDeviceText:
		return b.queryText(w, req)
	case pnp.QueryBusInformation:
		return b.queryBusInformation(w, req)
	case pnp.QueryResources, pnp.QueryResourceRequirements:
		w.CompleteAndPassUp(req, 0)
		return req.Status
	case pnp.QueryStop:
		b.setState(pnp.StopPending)
	case pnp.CancelStop:
		b.restoreState()
	case pnp.Stop:
		b.setState(pnp.Stopped)
	case pnp.QueryRemove:
		b.setState(pnp.RemovePending)
	case pnp.CancelRemove:
		b.restoreState()
	case pnp.SurpriseRemoval:
		b.setState(pnp.SurpriseRemovePending)
	case pnp.QueryPnPDeviceState:
	default:
		return b.passDown(w, req)
	}
	req.Status = pnp.Success
	return b.passDown(w, req)
}

// passDown forwards req to the lower layer or, without one, completes it
// with its current status.
func (b *Bus) passDown(w *worker.Worker, req *worker.Request) pnp.Status {
	if lower := b.Lower(); lower != nil {
		return w.ForwardDown(lower, req)
	}
	st := req.Status
	w.CompleteAndPassUp(req, 0)
	return st
}

func (b *Bus) start(w *worker.Worker, req *worker.Request) pnp.Status {
	st := pnp.Success
	if lower := b.Lower(); lower != nil {
		st = w.ForwardAndWait(lower, req)
	}
	if st == pnp.Success {
		b.setState(pnp.Started)
	}
	req.Status = st
	w.CompleteAndPassUp(req, 0)
	return st
}

// deferToWorker is the first phase of a two-phase request that reached the
// bus without passing its checkpoint.
func (b *Bus) deferToWorker(w *worker.Worker, req *worker.Request) pnp.Status {
	req.MarkPendingReturned()
	w.Submit(req, false)
	return pnp.Pending
}

func (b *Bus) remove(w *worker.Worker, req *worker.Request) pnp.Status {
	if !req.PendingReturned() {
		return b.deferToWorker(w, req)
	}

	b.setState(pnp.Deleted)
	req.Status = pnp.Success
	st := b.passDown(w, req)

	b.mu.Lock()
	children := b.childrenLocked()
	b.children = btree.New(2)
	b.childSeq = make(map[devtree.Handle]uint64)
	var nodes []*Node
	it := b.nodes.Iterator()
	for it.Next() {
		nodes = append(nodes, it.Value().(*Node))
	}
	b.nodes.Clear()
	b.lower = nil
	b.mu.Unlock()

	for _, h := range children {
		if obj, ok := b.tree.Resolve(h); ok {
			if c, ok := obj.(Closer); ok {
				c.Close()
			}
		}
		b.tree.Dereference(h)
	}
	for _, n := range nodes {
		n.mu.Lock()
		n.linked = false
		n.mu.Unlock()
		b.tree.Dereference(n.pdo)
	}

	b.log.Info("bus removed", zap.Int("children", len(children)), zap.Int("nodes", len(nodes)))
	w.Delete()
	return st
}

func (b *Bus) queryRelations(w *worker.Worker, req *worker.Request) pnp.Status {
	if !req.PendingReturned() {
		return b.deferToWorker(w, req)
	}

	q, ok := req.Params.(*pnp.RelationsQuery)
	if !ok || q.Type != pnp.BusRelations || req.Result != nil {
		return b.passDown(w, req)
	}

	if b.prober != nil {
		b.prober.Probe(b)
	}

	b.mu.Lock()
	handles := b.childrenLocked()
	it := b.nodes.Iterator()
	for it.Next() {
		handles = append(handles, it.Value().(*Node).pdo)
	}
	b.mu.Unlock()

	lease, ok := b.budget.Alloc(int64(len(handles)))
	if !ok {
		b.log.Warn("no room for bus relations", zap.Int("count", len(handles)))
		req.Status = pnp.Success
		return b.passDown(w, req)
	}

	refd := handles[:0]
	for _, h := range handles {
		if err := b.tree.Reference(h); err != nil {
			b.log.Warn("skipping stale relation", zap.Stringer("device", h), zap.Error(err))
			continue
		}
		refd = append(refd, h)
	}

	tree := b.tree
	req.Result = pnp.NewRelations(refd, func(hs []devtree.Handle) {
		for _, h := range hs {
			tree.Dereference(h)
		}
		lease.Release()
	})
	req.Status = pnp.Success
	return b.passDown(w, req)
}

func (b *Bus) queryCapabilities(w *worker.Worker, req *worker.Request) pnp.Status {
	caps, ok := req.Params.(*pnp.Capabilities)
	if !ok || !caps.Valid() {
		req.Status = pnp.InvalidParameter
		w.CompleteAndPassUp(req, 0)
		return pnp.InvalidParameter
	}
	return b.passDown(w, req)
}

func (b *Bus) id(t pnp.IDType) (string, bool) {
	switch t {
	case pnp.DeviceID, pnp.HardwareIDs, pnp.CompatibleIDs:
		return TextPrefix + `\Bus`, true
	case pnp.InstanceID:
		return b.instance.String(), true
	default:
		return "", false
	}
}

func (b *Bus) queryID(w *worker.Worker, req *worker.Request) pnp.Status {
	q, ok := req.Params.(*pnp.IDQuery)
	if !ok {
		req.Status = pnp.InvalidParameter
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}
	s, ok := b.id(q.Type)
	if !ok {
		return b.passDown(w, req)
	}
	return b.completeText(w, req, s)
}

func (b *Bus) queryText(w *worker.Worker, req *worker.Request) pnp.Status {
	q, ok := req.Params.(*pnp.TextQuery)
	if !ok {
		req.Status = pnp.InvalidParameter
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}
	switch q.Type {
	case pnp.TextDescription:
		return b.completeText(w, req, fmt.Sprintf("%s Bus", TextPrefix))
	case pnp.TextLocationInformation:
		s, _ := b.id(pnp.InstanceID)
		return b.completeText(w, req, s)
	default:
		req.Status = pnp.Unsupported
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}
}

// completeText hands s to the requester as a pnp.Text charged to the budget.
func (b *Bus) completeText(w *worker.Worker, req *worker.Request, s string) pnp.Status {
	lease, ok := b.budget.Alloc(int64(len(s)))
	if !ok {
		req.Status = pnp.ResourceExhausted
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}
	req.Result = pnp.NewText(s, lease.Release)
	req.Status = pnp.Success
	w.CompleteAndPassUp(req, 0)
	return pnp.Success
}

func (b *Bus) queryBusInformation(w *worker.Worker, req *worker.Request) pnp.Status {
	req.Result = &pnp.BusInformation{
		BusType:       pnp.BusTypeInternal,
		LegacyBusType: pnp.LegacyBusPNP,
		BusNumber:     b.number,
	}
	req.Status = pnp.Success
	w.CompleteAndPassUp(req, 0)
	return pnp.Success
}
