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

package disk

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/bus"
	"github.com/NVIDIA/vblock/pkg/devtree"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// HandleRequest processes one request on the disk worker.
func (d *Disk) HandleRequest(w *worker.Worker, req *worker.Request) pnp.Status {
	switch req.Major {
	case pnp.MajorPnP:
		return d.handlePnP(w, req)
	case pnp.MajorRead:
		return d.complete(w, req, d.read(req))
	case pnp.MajorWrite:
		return d.complete(w, req, d.write(req))
	default:
		return d.complete(w, req, pnp.Unsupported)
	}
}

func (d *Disk) complete(w *worker.Worker, req *worker.Request, st pnp.Status) pnp.Status {
	req.Status = st
	w.CompleteAndPassUp(req, 0)
	return st
}

func (d *Disk) handlePnP(w *worker.Worker, req *worker.Request) pnp.Status {
	d.log.Debug("pnp request", zap.Stringer("minor", req.Minor), zap.Stringer("state", d.State()))

	switch req.Minor {
	case pnp.QueryCapabilities:
		return d.complete(w, req, d.queryCapabilities(req))
	case pnp.QueryDeviceRelations:
		return d.queryRelations(w, req)
	case pnp.QueryID:
		return d.queryID(w, req)
	case pnp.QueryDeviceText:
		return d.queryText(w, req)
	case pnp.QueryBusInformation:
		req.Result = &pnp.BusInformation{
			BusType:       pnp.BusTypeInternal,
			LegacyBusType: pnp.LegacyBusPNP,
		}
		return d.complete(w, req, pnp.Success)
	case pnp.DeviceUsageNotification:
		u, ok := req.Params.(*pnp.UsageNotification)
		if !ok {
			return d.complete(w, req, pnp.InvalidParameter)
		}
		d.mu.Lock()
		if u.InPath {
			d.specialFiles++
		} else {
			d.specialFiles--
		}
		d.mu.Unlock()
		return d.complete(w, req, pnp.Success)
	case pnp.QueryPnPDeviceState:
		return d.complete(w, req, pnp.Success)
	case pnp.Start:
		d.setState(pnp.Started)
	case pnp.QueryStop:
		d.setState(pnp.StopPending)
	case pnp.CancelStop:
		d.restoreState()
	case pnp.Stop:
		d.setState(pnp.Stopped)
	case pnp.QueryRemove:
		d.setState(pnp.RemovePending)
	case pnp.CancelRemove:
		d.restoreState()
	case pnp.SurpriseRemoval:
		d.setState(pnp.SurpriseRemovePending)
	case pnp.Remove:
		return d.complete(w, req, d.remove())
	default:
		return d.complete(w, req, req.Status)
	}
	return d.complete(w, req, pnp.Success)
}

// remove destroys a disk that is no longer on a bus and otherwise takes it
// off its bus.
func (d *Disk) remove() pnp.Status {
	d.setState(pnp.NotStarted)

	n := d.Node()
	b := n.Bus()
	if b == nil {
		d.log.Info("destroying disk")
		d.Close()
		return pnp.NoSuchDevice
	}
	if err := b.RemoveNode(n); err != nil {
		d.log.Warn("remove node", zap.Error(err))
	}
	return pnp.Success
}

func (d *Disk) queryCapabilities(req *worker.Request) pnp.Status {
	caps, ok := req.Params.(*pnp.Capabilities)
	if !ok || !caps.Valid() {
		return pnp.InvalidParameter
	}

	var parent worker.Lower
	if b := d.Node().Bus(); b != nil {
		parent = b
	}
	pc := pnp.NewCapabilities()
	if d.caps != nil {
		if st := d.caps.DeviceCapabilities(parent, pc); st != pnp.Success {
			return st
		}
	}

	caps.DeviceState = pc.DeviceState
	caps.DeviceState[pnp.PowerSystemWorking] = pnp.PowerDeviceD0
	if caps.DeviceState[pnp.PowerSystemSleeping1] != pnp.PowerDeviceD0 {
		caps.DeviceState[pnp.PowerSystemSleeping1] = pnp.PowerDeviceD1
	}
	if caps.DeviceState[pnp.PowerSystemSleeping2] != pnp.PowerDeviceD0 {
		caps.DeviceState[pnp.PowerSystemSleeping2] = pnp.PowerDeviceD3
	}
	caps.DeviceWake = pnp.PowerDeviceD1
	caps.D1 = true
	caps.D2 = false
	caps.WakeFromD0 = false
	caps.WakeFromD1 = false
	caps.WakeFromD2 = false
	caps.WakeFromD3 = false
	caps.D1Latency = 0
	caps.D2Latency = 0
	caps.D3Latency = 0
	caps.EjectSupported = false
	caps.HardwareDisabled = false
	caps.Removable = d.mediaType.Removable()
	caps.SurpriseRemovalOK = false
	caps.UniqueID = false
	caps.SilentInstall = false
	return pnp.Success
}

func (d *Disk) queryRelations(w *worker.Worker, req *worker.Request) pnp.Status {
	q, ok := req.Params.(*pnp.RelationsQuery)
	if !ok || q.Type != pnp.TargetRelation {
		return d.complete(w, req, req.Status)
	}

	lease, ok := d.budget.Alloc(1)
	if !ok {
		return d.complete(w, req, pnp.ResourceExhausted)
	}
	h := d.Handle()
	if err := d.tree.Reference(h); err != nil {
		lease.Release()
		return d.complete(w, req, pnp.NoSuchDevice)
	}
	tree := d.tree
	req.Result = pnp.NewRelations([]devtree.Handle{h}, func(hs []devtree.Handle) {
		for _, h := range hs {
			tree.Dereference(h)
		}
		lease.Release()
	})
	return d.complete(w, req, pnp.Success)
}

// compatibleID is the generic class a disk of type m falls back to.
func compatibleID(m pnp.MediaType) string {
	switch m {
	case pnp.Floppy:
		return "GenSFloppy"
	case pnp.OpticalDisc:
		return "GenCdRom"
	default:
		return "GenDisk"
	}
}

func (d *Disk) id(t pnp.IDType) (string, bool) {
	switch t {
	case pnp.DeviceID:
		return fmt.Sprintf(`%s\%s`, bus.TextPrefix, d.mediaType), true
	case pnp.HardwareIDs:
		return fmt.Sprintf(`%s\%s`, bus.TextPrefix, d.mediaType) + "\x00" + compatibleID(d.mediaType), true
	case pnp.CompatibleIDs:
		return compatibleID(d.mediaType), true
	case pnp.InstanceID:
		return fmt.Sprintf("%016x", d.instance), true
	default:
		return "", false
	}
}

func (d *Disk) queryID(w *worker.Worker, req *worker.Request) pnp.Status {
	q, ok := req.Params.(*pnp.IDQuery)
	if !ok {
		return d.complete(w, req, pnp.InvalidParameter)
	}
	s, ok := d.id(q.Type)
	if !ok {
		return d.complete(w, req, req.Status)
	}
	return d.completeText(w, req, s)
}

func (d *Disk) queryText(w *worker.Worker, req *worker.Request) pnp.Status {
	q, ok := req.Params.(*pnp.TextQuery)
	if !ok {
		return d.complete(w, req, pnp.InvalidParameter)
	}
	switch q.Type {
	case pnp.TextDescription:
		return d.completeText(w, req, bus.TextPrefix+" Disk")
	case pnp.TextLocationInformation:
		s, _ := d.id(pnp.InstanceID)
		return d.completeText(w, req, s)
	default:
		return d.complete(w, req, pnp.Unsupported)
	}
}

func (d *Disk) completeText(w *worker.Worker, req *worker.Request, s string) pnp.Status {
	lease, ok := d.budget.Alloc(int64(len(s)))
	if !ok {
		return d.complete(w, req, pnp.ResourceExhausted)
	}
	req.Result = pnp.NewText(s, lease.Release)
	return d.complete(w, req, pnp.Success)
}

func (d *Disk) transfer(req *worker.Request) (*pnp.Transfer, pnp.Status) {
	x, ok := req.Params.(*pnp.Transfer)
	if !ok || x.Offset < 0 || x.Offset+int64(len(x.Buf)) > d.media.Size() {
		return nil, pnp.InvalidParameter
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, pnp.NoSuchDevice
	}
	return x, pnp.Success
}

func (d *Disk) read(req *worker.Request) pnp.Status {
	x, st := d.transfer(req)
	if st != pnp.Success {
		return st
	}
	n, err := d.media.ReadAt(x.Buf, x.Offset)
	req.Result = n
	if err != nil && !(err == io.EOF && n == len(x.Buf)) {
		d.log.Error("read", zap.Int64("offset", x.Offset), zap.Int("len", len(x.Buf)), zap.Error(err))
		return pnp.Unsuccessful
	}
	return pnp.Success
}

func (d *Disk) write(req *worker.Request) pnp.Status {
	wa, ok := d.media.(io.WriterAt)
	if !ok {
		return pnp.Unsupported
	}
	x, st := d.transfer(req)
	if st != pnp.Success {
		return st
	}
	n, err := wa.WriteAt(x.Buf, x.Offset)
	req.Result = n
	if err != nil {
		d.log.Error("write", zap.Int64("offset", x.Offset), zap.Int("len", len(x.Buf)), zap.Error(err))
		return pnp.Unsuccessful
	}
	return pnp.Success
}
