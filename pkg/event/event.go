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

// Package event provides a manual-reset event: once set it stays set,
// releasing every waiter, until it is cleared.
package event

import (
	"context"
	"sync"
	"time"
)

type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// New returns an event in the given initial state.
func New(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		close(e.ch)
		e.set = true
	}
	return e
}

func (e *Event) Set() {
	e.mu.Lock()
	if !e.set {
		close(e.ch)
		e.set = true
	}
	e.mu.Unlock()
}

func (e *Event) Clear() {
	e.mu.Lock()
	if e.set {
		e.ch = make(chan struct{})
		e.set = false
	}
	e.mu.Unlock()
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// C returns a channel closed when the event is next set. A later Clear does
// not reopen a channel already handed out.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Event) Wait() {
	<-e.C()
}

// WaitTimeout waits up to d and reports whether the event was set.
func (e *Event) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.C():
		return true
	case <-t.C:
		return false
	}
}

func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
