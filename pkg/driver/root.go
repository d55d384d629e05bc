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

package driver

import (
	"context"

	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// rootDevice stands in for the host-provided device at the bottom of the
// main bus stack. It has no worker and completes everything inline.
type rootDevice struct{}

func (rootDevice) Name() string {
	return "root"
}

func (rootDevice) Dispatch(req *worker.Request) pnp.Status {
	if req.Major != pnp.MajorPnP {
		req.Status = pnp.Unsupported
		worker.Complete(req, 0)
		return pnp.Unsupported
	}

	switch req.Minor {
	case pnp.Start, pnp.QueryStop, pnp.CancelStop, pnp.Stop,
		pnp.QueryRemove, pnp.CancelRemove, pnp.Remove, pnp.SurpriseRemoval,
		pnp.QueryPnPDeviceState:
		req.Status = pnp.Success
	case pnp.QueryCapabilities:
		caps, ok := req.Params.(*pnp.Capabilities)
		if !ok || !caps.Valid() {
			req.Status = pnp.InvalidParameter
			break
		}
		for s := range caps.DeviceState {
			caps.DeviceState[s] = pnp.PowerDeviceD3
		}
		caps.DeviceState[pnp.PowerSystemUnspecified] = pnp.PowerDeviceUnspecified
		caps.DeviceState[pnp.PowerSystemWorking] = pnp.PowerDeviceD0
		caps.SystemWake = pnp.PowerSystemUnspecified
		caps.DeviceWake = pnp.PowerDeviceUnspecified
		req.Status = pnp.Success
	}
	st := req.Status
	worker.Complete(req, 0)
	return st
}

// Call sends a PnP request to dev and waits for it to complete.
func Call(ctx context.Context, dev worker.Lower, minor pnp.Minor, params interface{}) (*worker.Request, pnp.Status, error) {
	req := worker.NewPnPRequest(minor, params)
	dev.Dispatch(req)
	st, err := req.Wait(ctx)
	return req, st, err
}
