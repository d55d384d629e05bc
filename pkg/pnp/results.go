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

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NVIDIA/vblock/pkg/devtree"
)

// BusTypeInternal identifies buses enumerated by this driver.
var BusTypeInternal = uuid.Must(uuid.Parse("2530ea73-086b-11d1-a09f-00c04fc340b1"))

// LegacyBusPNP is the legacy bus type reported for internal buses.
const LegacyBusPNP = 15

// BusInformation is the result of a QueryBusInformation.
type BusInformation struct {
	BusType       uuid.UUID
	LegacyBusType int
	BusNumber     int
}

// Relations is the result of a QueryDeviceRelations. Each handle carries one
// reference taken for the requester. Ownership passes to whoever receives
// the completed request; Release drops the references and returns the
// allocation. Release is idempotent.
type Relations struct {
	Handles []devtree.Handle

	once    sync.Once
	release func(handles []devtree.Handle)
}

// NewRelations wraps handles; release is called once by Release.
func NewRelations(handles []devtree.Handle, release func(handles []devtree.Handle)) *Relations {
	return &Relations{Handles: handles, release: release}
}

func (r *Relations) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Handles)
}

func (r *Relations) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release(r.Handles)
		}
	})
}

// Text is the result of a QueryDeviceText or QueryID. Ownership passes to
// the requester, which must Release it to return the buffer to the budget.
type Text struct {
	Value string

	once    sync.Once
	release func()
}

func NewText(value string, release func()) *Text {
	return &Text{Value: value, release: release}
}

func (t *Text) String() string {
	if t == nil {
		return ""
	}
	return t.Value
}

func (t *Text) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Releaser is implemented by results that own resources.
type Releaser interface {
	Release()
}
