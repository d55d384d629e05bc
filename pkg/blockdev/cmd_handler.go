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

	"github.com/tnarg/go-tcmu"
	"github.com/tnarg/go-tcmu/scsi"
	"go.uber.org/zap"
)

var defaultInquiry = tcmu.InquiryInfo{
	VendorID:   "NVIDIA",
	ProductID:  "VBLOCK",
	ProductRev: "0001",
}

// readerAtCmdHandler serves a read-only LUN from R.
type readerAtCmdHandler struct {
	R    io.ReaderAt
	Inq  *tcmu.InquiryInfo
	Name string
}

func (h readerAtCmdHandler) HandleCommand(cmd *tcmu.SCSICmd) (tcmu.SCSIResponse, error) {
	switch cmd.Command() {
	case scsi.Inquiry:
		inq := h.Inq
		if inq == nil {
			inq = &defaultInquiry
		}
		return tcmu.EmulateInquiry(cmd, inq)
	case scsi.TestUnitReady:
		return tcmu.EmulateTestUnitReady(cmd)
	case scsi.ServiceActionIn16:
		return tcmu.EmulateServiceActionIn(cmd)
	case scsi.ModeSense, scsi.ModeSense10:
		return tcmu.EmulateModeSense(cmd, false)
	case scsi.ModeSelect, scsi.ModeSelect10:
		return tcmu.EmulateModeSelect(cmd, false)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		promCommands.WithLabelValues(h.Name, "read").Inc()
		return tcmu.EmulateRead(cmd, h.R)
	default:
		promCommands.WithLabelValues(h.Name, "unhandled").Inc()
		zap.L().Named("blockdev").Debug("unhandled SCSI command", zap.String("device", h.Name), zap.Uint8("command", uint8(cmd.Command())))
	}
	return cmd.NotHandled(), nil
}
