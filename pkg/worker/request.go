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

package worker

import (
	"context"
	"sync"

	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
)

// Kind tells host requests apart from internally injected function calls.
type Kind int

const (
	Normal Kind = iota
	WorkItem
)

func (k Kind) String() string {
	if k == WorkItem {
		return "workitem"
	}
	return "normal"
}

// WorkFunc is run on a worker's goroutine by RunInWorker.
type WorkFunc func(w *Worker, arg interface{}) pnp.Status

type workItem struct {
	fn   WorkFunc
	stop bool
}

type waiter struct {
	done   chan struct{}
	status pnp.Status
}

func newWaiter() *waiter {
	return &waiter{
		done:   make(chan struct{}),
		status: pnp.Unsuccessful,
	}
}

// requestContext holds the per-submission slots a worker uses to recognize
// and finish a request: the work item, its argument, an owned allocation to
// free after dispatch and the synchronous waiter.
type requestContext struct {
	item   *workItem
	arg    interface{}
	owned  *quota.Lease
	waiter *waiter
}

// Request is a unit of asynchronous work submitted to a device.
//
// Status and Result are written by the device handling the request and may
// be read by the submitter once Done is closed. A Result implementing
// pnp.Releaser is owned by the submitter after completion.
type Request struct {
	Major  pnp.Major
	Minor  pnp.Minor
	Params interface{}
	Status pnp.Status
	Result interface{}

	kind Kind
	ctx  requestContext

	mu              sync.Mutex
	pendingReturned bool
	holders         []*Worker
	seen            []*Worker
	intercept       func(*Request)
	completed       bool
	boost           int8
	done            chan struct{}
	onComplete      func(*Request)
}

// NewRequest builds a Normal request. PnP requests start out Unsupported so
// that a handler which does not recognize the code passes that through.
func NewRequest(major pnp.Major, minor pnp.Minor, params interface{}) *Request {
	st := pnp.Success
	if major == pnp.MajorPnP {
		st = pnp.Unsupported
	}
	return &Request{
		Major:  major,
		Minor:  minor,
		Params: params,
		Status: st,
		done:   make(chan struct{}),
	}
}

// NewPnPRequest is shorthand for NewRequest(pnp.MajorPnP, minor, params).
func NewPnPRequest(minor pnp.Minor, params interface{}) *Request {
	return NewRequest(pnp.MajorPnP, minor, params)
}

func (r *Request) Kind() Kind {
	return r.kind
}

// OnComplete registers fn to run once the request is completed.
// It must be called before the request is submitted.
func (r *Request) OnComplete(fn func(*Request)) {
	r.mu.Lock()
	r.onComplete = fn
	r.mu.Unlock()
}

// Done is closed when the request has been completed and passed up.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes and returns its final status.
func (r *Request) Wait(ctx context.Context) (pnp.Status, error) {
	select {
	case <-r.done:
		return r.Status, nil
	case <-ctx.Done():
		return pnp.Pending, ctx.Err()
	}
}

func (r *Request) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Boost is the priority boost the completing device passed up.
func (r *Request) Boost() int8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boost
}

// PendingReturned reports whether the request already went through its
// deferral checkpoint.
func (r *Request) PendingReturned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingReturned
}

// MarkPendingReturned records that the request passed its deferral
// checkpoint; the next delivery resumes in the second phase.
func (r *Request) MarkPendingReturned() {
	r.mu.Lock()
	r.pendingReturned = true
	r.mu.Unlock()
}

// hold records that w dispatched the request and counts it as active.
func (r *Request) hold(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holders = append(r.holders, w)
	for _, s := range r.seen {
		if s == w {
			return
		}
	}
	r.seen = append(r.seen, w)
}

// release drops w's hold and reports whether there was one.
func (r *Request) release(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.holders {
		if h == w {
			r.holders = append(r.holders[:i], r.holders[i+1:]...)
			return true
		}
	}
	return false
}

// seenBy reports whether w has dispatched the request before.
func (r *Request) seenBy(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seen {
		if s == w {
			return true
		}
	}
	return false
}

// setIntercept makes the next completion call fn instead of finishing the
// request, so the device that set it can continue processing.
func (r *Request) setIntercept(fn func(*Request)) {
	r.mu.Lock()
	r.intercept = fn
	r.mu.Unlock()
}

func (r *Request) complete(boost int8) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		panic("worker: request completed twice")
	}
	if fn := r.intercept; fn != nil {
		r.intercept = nil
		r.mu.Unlock()
		fn(r)
		return
	}
	r.completed = true
	r.boost = boost
	cb := r.onComplete
	close(r.done)
	r.mu.Unlock()

	if cb != nil {
		cb(r)
	}
}

// Complete finishes a request that is not held by any worker, such as one
// handled synchronously by a device without its own worker.
func Complete(req *Request, boost int8) {
	req.complete(boost)
}
