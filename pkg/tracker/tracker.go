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

package tracker

import (
	"context"
	"sync"

	"github.com/NVIDIA/vblock/pkg/event"
)

// Tracker counts users of a resource and signals when the count reaches
// zero. Teardown of the resource waits on that signal.
type Tracker struct {
	mu    sync.Mutex
	usage int
	zero  *event.Event
}

// New returns a tracker with zero usage; the zero event starts set.
func New() *Tracker {
	return &Tracker{zero: event.New(true)}
}

func (t *Tracker) Increment() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage++
	if t.usage == 1 {
		t.zero.Clear()
	}
	return t.usage
}

func (t *Tracker) Decrement() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage--
	if t.usage < 0 {
		panic("tracker: usage count below zero")
	}
	if t.usage == 0 {
		t.zero.Set()
	}
	return t.usage
}

func (t *Tracker) Usage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Wait blocks until the usage count is zero.
func (t *Tracker) Wait() {
	t.zero.Wait()
}

func (t *Tracker) WaitContext(ctx context.Context) error {
	return t.zero.WaitContext(ctx)
}

// Zero returns a channel closed once the usage count is zero.
func (t *Tracker) Zero() <-chan struct{} {
	return t.zero.C()
}
