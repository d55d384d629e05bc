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

import "fmt"

// Major selects the request family.
type Major uint8

const (
	MajorPnP Major = iota
	MajorRead
	MajorWrite
	MajorControl
)

func (m Major) String() string {
	switch m {
	case MajorPnP:
		return "PnP"
	case MajorRead:
		return "Read"
	case MajorWrite:
		return "Write"
	case MajorControl:
		return "Control"
	default:
		return fmt.Sprintf("Major(%d)", uint8(m))
	}
}

// Minor is the PnP control code of a MajorPnP request.
type Minor uint8

const (
	Start Minor = iota
	QueryRemove
	Remove
	CancelRemove
	Stop
	QueryStop
	CancelStop
	QueryDeviceRelations
	QueryInterface
	QueryCapabilities
	QueryResources
	QueryResourceRequirements
	QueryDeviceText
	FilterResourceRequirements
	ReadConfig
	WriteConfig
	Eject
	SetLock
	QueryID
	QueryPnPDeviceState
	QueryBusInformation
	DeviceUsageNotification
	SurpriseRemoval
)

var minorNames = [...]string{
	Start:                      "Start",
	QueryRemove:                "QueryRemove",
	Remove:                     "Remove",
	CancelRemove:               "CancelRemove",
	Stop:                       "Stop",
	QueryStop:                  "QueryStop",
	CancelStop:                 "CancelStop",
	QueryDeviceRelations:       "QueryDeviceRelations",
	QueryInterface:             "QueryInterface",
	QueryCapabilities:          "QueryCapabilities",
	QueryResources:             "QueryResources",
	QueryResourceRequirements:  "QueryResourceRequirements",
	QueryDeviceText:            "QueryDeviceText",
	FilterResourceRequirements: "FilterResourceRequirements",
	ReadConfig:                 "ReadConfig",
	WriteConfig:                "WriteConfig",
	Eject:                      "Eject",
	SetLock:                    "SetLock",
	QueryID:                    "QueryID",
	QueryPnPDeviceState:        "QueryPnPDeviceState",
	QueryBusInformation:        "QueryBusInformation",
	DeviceUsageNotification:    "DeviceUsageNotification",
	SurpriseRemoval:            "SurpriseRemoval",
}

func (m Minor) String() string {
	if int(m) < len(minorNames) {
		return minorNames[m]
	}
	return fmt.Sprintf("Minor(%d)", uint8(m))
}

// State is the PnP state shared by buses and disks.
type State int

const (
	NotStarted State = iota
	Started
	StopPending
	Stopped
	RemovePending
	SurpriseRemovePending
	Deleted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Started:
		return "Started"
	case StopPending:
		return "StopPending"
	case Stopped:
		return "Stopped"
	case RemovePending:
		return "RemovePending"
	case SurpriseRemovePending:
		return "SurpriseRemovePending"
	case Deleted:
		return "Deleted"
	default:
		return fmt.Sprintf("Unknown State (%d)", int(s))
	}
}

// RelationsType selects which relations a QueryDeviceRelations asks for.
type RelationsType int

const (
	BusRelations RelationsType = iota
	EjectionRelations
	PowerRelations
	RemovalRelations
	TargetRelation
)

// TextType selects the string a QueryDeviceText asks for.
type TextType int

const (
	TextDescription TextType = iota
	TextLocationInformation
)

// IDType selects the identifier a QueryID asks for.
type IDType int

const (
	DeviceID IDType = iota
	HardwareIDs
	CompatibleIDs
	InstanceID
)

// UsageType names the special file a usage notification is about.
type UsageType int

const (
	UsageUndefined UsageType = iota
	UsagePaging
	UsageHibernation
	UsageDumpFile
)

// MediaType classifies a disk's media.
type MediaType int

const (
	Floppy MediaType = iota
	HardDisk
	OpticalDisc
)

func (m MediaType) String() string {
	switch m {
	case Floppy:
		return "Floppy"
	case HardDisk:
		return "HardDisk"
	case OpticalDisc:
		return "OpticalDisc"
	default:
		return fmt.Sprintf("MediaType(%d)", int(m))
	}
}

// Removable reports whether media of type m is removable.
func (m MediaType) Removable() bool {
	switch m {
	case Floppy, OpticalDisc:
		return true
	default:
		return false
	}
}

// Parameter blocks for the request kinds that take one.
type (
	RelationsQuery struct {
		Type RelationsType
	}

	TextQuery struct {
		Type TextType
	}

	IDQuery struct {
		Type IDType
	}

	UsageNotification struct {
		InPath bool
		Type   UsageType
	}

	// Transfer is the parameter block of MajorRead and MajorWrite.
	Transfer struct {
		Buf    []byte
		Offset int64
	}
)
