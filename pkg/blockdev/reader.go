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

package blockdev

import (
	"io"

	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/worker"
)

// DiskReader reads a device through Read requests, so every access is
// serialized with the device's other requests on its worker.
type DiskReader struct {
	Dev  worker.Lower
	Size int64
}

func (r DiskReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.Size {
		return 0, io.EOF
	}
	var eof error
	if rem := r.Size - off; int64(len(p)) > rem {
		p = p[:rem]
		eof = io.EOF
	}

	req := worker.NewRequest(pnp.MajorRead, 0, &pnp.Transfer{Buf: p, Offset: off})
	r.Dev.Dispatch(req)
	<-req.Done()

	n, _ := req.Result.(int)
	if req.Status != pnp.Success {
		return n, req.Status.Errorf("read %d bytes at %d", len(p), off)
	}
	return n, eof
}
