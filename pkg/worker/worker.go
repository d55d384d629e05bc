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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/badgerodon/collections/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/event"
	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
	"github.com/NVIDIA/vblock/pkg/tracker"
)

// DefaultTimeout is the idle wake-up interval used when none is configured.
const DefaultTimeout = 30 * time.Second

// Config controls worker timing.
type Config struct {
	Timeout time.Duration `help:"Idle wake-up interval of device workers." default:"30s"`
}

// Mode is a worker's dispatch mode.
type Mode int

const (
	Concurrent Mode = iota
	Serializing
)

func (m Mode) String() string {
	switch m {
	case Concurrent:
		return "Concurrent"
	case Serializing:
		return "Serializing"
	default:
		return fmt.Sprintf("Unknown Mode (%d)", int(m))
	}
}

// Availability tells whether a worker still accepts submissions.
type Availability int

const (
	Available Availability = iota
	Draining
	Stopped
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "Available"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown Availability (%d)", int(a))
	}
}

// Handler processes Normal requests on the worker's goroutine. The returned
// status is reported to a synchronous submitter; the request itself must be
// finished with CompleteAndPassUp, ForwardDown or a resubmission.
type Handler interface {
	HandleRequest(w *Worker, req *Request) pnp.Status
}

type HandlerFunc func(w *Worker, req *Request) pnp.Status

func (f HandlerFunc) HandleRequest(w *Worker, req *Request) pnp.Status {
	return f(w, req)
}

// Lower is the next device down a stack.
type Lower interface {
	Dispatch(req *Request) pnp.Status
}

// Options configure a new worker.
type Options struct {
	Config

	// Class labels the worker's metrics, e.g. "bus" or "disk".
	Class string

	// Budget backs the allocations made for asynchronous work items.
	Budget *quota.Budget

	// OnExit runs on the worker goroutine after the device's usage
	// drops to zero, just before Done is closed.
	OnExit func()
}

var (
	ErrNoHandler = errors.New("worker: no handler")
	ErrSelfTest  = errors.New("worker: self-test failed")
)

// Worker serializes the processing of one device's requests on a single
// goroutine.
type Worker struct {
	name    string
	class   string
	handler Handler
	timeout time.Duration
	budget  *quota.Budget
	usage   *tracker.Tracker
	log     *zap.Logger
	gid     uint64

	mu           sync.Mutex
	queue        *queue.Queue
	sentinel     *Request
	mode         Mode
	needSignal   bool
	availability Availability
	stopQueued   bool
	rejectRest   bool
	exiting      bool
	active       int
	onExit       func()

	arrival   *event.Event
	quiescent *event.Event
	drain     *event.Event
	done      chan struct{}
}

// New starts a worker for the named device and checks that work items run
// on it. The worker holds one usage reference on its own tracker until it
// exits.
func New(name string, h Handler, opts Options) (*Worker, error) {
	if h == nil {
		return nil, ErrNoHandler
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	budget := opts.Budget
	if budget == nil {
		budget = quota.New(0)
	}
	class := opts.Class
	if class == "" {
		class = "device"
	}

	w := &Worker{
		name:      name,
		class:     class,
		handler:   h,
		timeout:   timeout,
		budget:    budget,
		usage:     tracker.New(),
		log:       zap.L().Named("worker").With(zap.String("device", name)),
		queue:     queue.New(),
		arrival:   event.New(false),
		quiescent: event.New(false),
		drain:     event.New(false),
		done:      make(chan struct{}),
	}
	w.usage.Increment()
	go w.run()

	if st := w.RunInWorker(selfTest, nil, true); st != pnp.Success {
		w.Stop()
		return nil, errors.Wrapf(ErrSelfTest, "%s: %s", name, st)
	}

	w.mu.Lock()
	w.onExit = opts.OnExit
	w.mu.Unlock()
	return w, nil
}

func selfTest(w *Worker, _ interface{}) pnp.Status {
	if !w.InWorker() {
		return pnp.Unsuccessful
	}
	return pnp.Success
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Timeout() time.Duration {
	return w.timeout
}

// Usage is the worker's resource tracker. The worker does not finish
// exiting until every reference taken on it is dropped.
func (w *Worker) Usage() *tracker.Tracker {
	return w.usage
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// InWorker reports whether the caller runs on the worker's goroutine.
func (w *Worker) InWorker() bool {
	return goroutineID() == atomic.LoadUint64(&w.gid)
}

func (w *Worker) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Worker) Availability() Availability {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.availability
}

// Active is the number of requests dequeued and not yet completed.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) Queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Submit queues req for the worker. Without wait it returns Pending once
// queued; with wait it returns the status the handler produced. While the
// worker is serializing, submissions from other goroutines always wait. A
// worker never waits on itself, so wait is ignored for Normal requests
// submitted from the worker goroutine. Requests offered after the worker
// stopped accepting work are completed with Rejected.
func (w *Worker) Submit(req *Request, wait bool) pnp.Status {
	if req == nil {
		return pnp.InvalidParameter
	}
	if w.InWorker() {
		wait = false
	} else if !wait && w.Mode() == Serializing {
		wait = true
	}
	return w.submit(req, wait)
}

func (w *Worker) submit(req *Request, wait bool) pnp.Status {
	if req.kind == Normal {
		req.ctx = requestContext{}
	}
	var wt *waiter
	if wait {
		wt = newWaiter()
		req.ctx.waiter = wt
	}

	w.mu.Lock()
	if w.availability != Available {
		w.mu.Unlock()
		req.ctx.waiter = nil
		w.reject(req)
		return pnp.Rejected
	}
	w.queue.Enqueue(req)
	promQueued.WithLabelValues(w.class).Inc()
	if req.release(w) {
		w.decrementLocked()
	}
	if w.sentinel == nil && req.seenBy(w) {
		w.sentinel = req
	}
	w.arrival.Set()
	w.mu.Unlock()

	if wt != nil {
		<-wt.done
		return wt.status
	}
	return pnp.Pending
}

func (w *Worker) reject(req *Request) {
	promRejected.WithLabelValues(w.class).Inc()
	w.log.Debug("rejected request",
		zap.Stringer("kind", req.kind),
		zap.Stringer("major", req.Major),
		zap.Stringer("minor", req.Minor))

	switch req.kind {
	case WorkItem:
		req.ctx.owned.Release()
	default:
		req.Status = pnp.Rejected
		w.CompleteAndPassUp(req, 0)
	}
}

// RunInWorker runs fn(w, arg) on the worker goroutine. With wait the call
// blocks and returns fn's status; called from the worker itself, fn runs
// inline. Without wait the work item is allocated from the worker's budget,
// ResourceExhausted is returned if that fails, and Success once it is queued.
func (w *Worker) RunInWorker(fn WorkFunc, arg interface{}, wait bool) pnp.Status {
	if fn == nil {
		return pnp.InvalidParameter
	}
	if wait && w.InWorker() {
		return fn(w, arg)
	}

	req := &Request{
		kind: WorkItem,
		done: make(chan struct{}),
	}
	req.ctx.item = &workItem{fn: fn}
	req.ctx.arg = arg
	if !wait {
		lease, ok := w.budget.Alloc(1)
		if !ok {
			return pnp.ResourceExhausted
		}
		req.ctx.owned = lease
		if !w.InWorker() && w.Mode() == Serializing {
			wait = true
		}
	}

	st := w.submit(req, wait)
	if st == pnp.Pending {
		return pnp.Success
	}
	return st
}

// WaitForActiveRequests switches the worker into Serializing mode and blocks
// until the caller's request is the only active one. From outside the
// worker the barrier is injected as a work item and the call waits for it.
// The worker returns to Concurrent mode once its queue drains.
func (w *Worker) WaitForActiveRequests(req *Request) pnp.Status {
	if !w.InWorker() {
		return w.RunInWorker(func(w *Worker, arg interface{}) pnp.Status {
			r, _ := arg.(*Request)
			return w.WaitForActiveRequests(r)
		}, req, true)
	}

	w.mu.Lock()
	w.mode = Serializing
	if w.active <= 1 {
		w.needSignal = false
		w.mu.Unlock()
		return pnp.Success
	}
	w.needSignal = true
	ch := w.quiescent.C()
	w.mu.Unlock()

	w.log.Debug("waiting for active requests")
	<-ch
	return pnp.Success
}

// CompleteAndPassUp finishes req with its current Status and hands it back
// to whoever is above this device.
func (w *Worker) CompleteAndPassUp(req *Request, boost int8) {
	w.mu.Lock()
	if req.release(w) {
		w.decrementLocked()
	}
	w.mu.Unlock()
	req.complete(boost)
}

// ForwardDown passes req to the next device and gives up this worker's
// hold on it.
func (w *Worker) ForwardDown(lower Lower, req *Request) pnp.Status {
	w.mu.Lock()
	if req.release(w) {
		w.decrementLocked()
	}
	w.mu.Unlock()
	return lower.Dispatch(req)
}

// ForwardAndWait passes req to the next device and blocks until that device
// completes it. The request remains this worker's to finish; the lower
// device's status is returned.
func (w *Worker) ForwardAndWait(lower Lower, req *Request) pnp.Status {
	done := make(chan struct{})
	req.setIntercept(func(*Request) {
		close(done)
	})
	lower.Dispatch(req)
	<-done
	return req.Status
}

// Stop stops the worker accepting new requests, lets it finish the queued
// ones and, unless called from the worker itself, waits for it to exit.
func (w *Worker) Stop() {
	req := &Request{
		kind: WorkItem,
		done: make(chan struct{}),
	}
	req.ctx.item = &workItem{fn: stopDevice, stop: true}

	w.mu.Lock()
	if w.availability == Available {
		w.availability = Draining
		w.drain.Set()
	}
	if !w.stopQueued && !w.exiting {
		w.stopQueued = true
		w.queue.Enqueue(req)
		promQueued.WithLabelValues(w.class).Inc()
		w.arrival.Set()
	}
	w.mu.Unlock()

	if !w.InWorker() {
		<-w.done
	}
}

func stopDevice(w *Worker, _ interface{}) pnp.Status {
	w.log.Debug("stopping")
	return pnp.Success
}

// Delete marks the device for deletion: new submissions are rejected, the
// requests still queued are completed with Rejected without reaching the
// handler, and the worker exits once its queue drains.
func (w *Worker) Delete() {
	w.mu.Lock()
	if w.availability == Available {
		w.availability = Draining
		w.drain.Set()
	}
	w.rejectRest = true
	w.arrival.Set()
	w.mu.Unlock()
}

func (w *Worker) decrementLocked() {
	w.active--
	if w.active < 0 {
		panic("worker: active request count below zero")
	}
	promActive.WithLabelValues(w.class).Dec()
	if w.active == 1 && w.needSignal {
		w.needSignal = false
		w.quiescent.Set()
	}
}

func (w *Worker) run() {
	atomic.StoreUint64(&w.gid, goroutineID())
	w.log.Debug("worker started", zap.Duration("timeout", w.timeout))

	for {
		w.mu.Lock()
		if w.queue.Len() == 0 {
			if w.availability != Available {
				w.exiting = true
				w.availability = Stopped
				w.mu.Unlock()
				break
			}
			w.mode = Concurrent
			w.needSignal = false
			w.quiescent.Clear()
			w.sentinel = nil
			w.arrival.Clear()
			w.mu.Unlock()

			w.arrival.WaitTimeout(w.timeout)
			continue
		}

		req := w.queue.Dequeue().(*Request)
		promQueued.WithLabelValues(w.class).Dec()
		if req == w.sentinel {
			w.sentinel = nil
			w.mu.Unlock()
			w.sentinelWait()
			w.mu.Lock()
		}

		w.active++
		promActive.WithLabelValues(w.class).Inc()
		req.hold(w)
		reject := w.rejectRest || w.availability == Stopped
		if req.kind == WorkItem && req.ctx.item.stop {
			w.availability = Stopped
			reject = false
		}
		w.mu.Unlock()

		w.dispatch(req, reject)
	}

	w.log.Debug("worker draining")
	w.usage.Decrement()
	w.usage.Wait()

	w.mu.Lock()
	onExit := w.onExit
	w.mu.Unlock()
	if onExit != nil {
		onExit()
	}
	w.log.Debug("worker exited")
	close(w.done)
}

// sentinelWait backs off for one timeout interval when a resubmitted
// request reaches the front of the queue again.
func (w *Worker) sentinelWait() {
	promSentinelWaits.WithLabelValues(w.class).Inc()
	t := time.NewTimer(w.timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.drain.C():
	}
}

func (w *Worker) dispatch(req *Request, reject bool) {
	promDispatched.WithLabelValues(w.class, req.kind.String()).Inc()

	wt := req.ctx.waiter
	req.ctx.waiter = nil

	var st pnp.Status
	switch req.kind {
	case WorkItem:
		if reject {
			promRejected.WithLabelValues(w.class).Inc()
			st = pnp.Rejected
		} else {
			st = req.ctx.item.fn(w, req.ctx.arg)
		}
		req.ctx.owned.Release()
		w.mu.Lock()
		if req.release(w) {
			w.decrementLocked()
		}
		w.mu.Unlock()
	default:
		if reject {
			st = pnp.Rejected
			w.reject(req)
		} else {
			st = w.handler.HandleRequest(w, req)
		}
	}

	if wt != nil {
		wt.status = st
		close(wt.done)
	}
}
