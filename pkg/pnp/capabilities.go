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

package pnp

// SystemPower indexes the system power states of a capabilities table.
type SystemPower int

const (
	PowerSystemUnspecified SystemPower = iota
	PowerSystemWorking
	PowerSystemSleeping1
	PowerSystemSleeping2
	PowerSystemSleeping3
	PowerSystemHibernate
	PowerSystemShutdown
	PowerSystemMaximum
)

// DevicePower is a device power level; D0 is the most responsive.
type DevicePower int

const (
	PowerDeviceUnspecified DevicePower = iota
	PowerDeviceD0
	PowerDeviceD1
	PowerDeviceD2
	PowerDeviceD3
)

const (
	// CapabilitiesVersion is the only structure version understood.
	CapabilitiesVersion = 1
	// CapabilitiesSize is the minimum size a caller must declare.
	CapabilitiesSize = 64
)

// Capabilities is the device capability table exchanged by
// QueryCapabilities requests. Version and Size are set by the requester.
type Capabilities struct {
	Version uint16
	Size    uint16

	DeviceState [PowerSystemMaximum]DevicePower
	SystemWake  SystemPower
	DeviceWake  DevicePower

	D1         bool
	D2         bool
	WakeFromD0 bool
	WakeFromD1 bool
	WakeFromD2 bool
	WakeFromD3 bool
	D1Latency  uint32
	D2Latency  uint32
	D3Latency  uint32

	LockSupported     bool
	EjectSupported    bool
	Removable         bool
	DockDevice        bool
	UniqueID          bool
	SilentInstall     bool
	RawDeviceOK       bool
	SurpriseRemovalOK bool
	HardwareDisabled  bool

	Address  int32
	UINumber int32
}

// NewCapabilities returns a table initialized the way a requester must
// initialize it before sending a QueryCapabilities.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		Version:  CapabilitiesVersion,
		Size:     CapabilitiesSize,
		Address:  -1,
		UINumber: -1,
	}
}

// Valid reports whether a responder may fill c in.
func (c *Capabilities) Valid() bool {
	return c != nil && c.Version == CapabilitiesVersion && c.Size >= CapabilitiesSize
}
