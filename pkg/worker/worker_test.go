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

package worker_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/vblock/pkg/pnp"
	"github.com/NVIDIA/vblock/pkg/quota"
	"github.com/NVIDIA/vblock/pkg/worker"
)

const testTimeout = 20 * time.Millisecond

func newWorker(t *testing.T, h worker.Handler, opts worker.Options) *worker.Worker {
	if opts.Timeout == 0 {
		opts.Timeout = testTimeout
	}
	w, err := worker.New(t.Name(), h, opts)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return w
}

func waitDone(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		panic("never")
	}
}

func waitFor(cond func() bool) {
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			panic("never")
		case <-time.After(time.Millisecond):
		}
	}
}

func completeWith(st pnp.Status) worker.HandlerFunc {
	return func(w *worker.Worker, req *worker.Request) pnp.Status {
		req.Status = st
		w.CompleteAndPassUp(req, 0)
		return st
	}
}

// holder keeps every request it is handed pending.
type holder struct {
	mu   sync.Mutex
	reqs []*worker.Request
}

func (h *holder) HandleRequest(w *worker.Worker, req *worker.Request) pnp.Status {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
	return pnp.Pending
}

func (h *holder) get(i int) *worker.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reqs[i]
}

func (h *holder) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

type syncLower struct {
	status pnp.Status
}

func (l *syncLower) Dispatch(req *worker.Request) pnp.Status {
	req.Status = l.status
	worker.Complete(req, 0)
	return l.status
}

type workerLower struct {
	w *worker.Worker
}

func (l *workerLower) Dispatch(req *worker.Request) pnp.Status {
	return l.w.Submit(req, false)
}

func TestNewWithoutHandler(t *testing.T) {
	_, err := worker.New("nil", nil, worker.Options{})
	assert.Equal(t, worker.ErrNoHandler, err)
}

func TestSubmitOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		mu.Lock()
		seen = append(seen, req.Params.(int))
		mu.Unlock()
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 0)
		return pnp.Success
	}), worker.Options{})
	defer w.Stop()

	var reqs []*worker.Request
	for i := 0; i < 100; i++ {
		req := worker.NewRequest(pnp.MajorControl, 0, i)
		assert.Equal(t, pnp.Pending, w.Submit(req, false))
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		waitDone(req.Done())
		assert.Equal(t, pnp.Success, req.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, w.Active())
}

func TestSubmitWait(t *testing.T) {
	w := newWorker(t, completeWith(pnp.InvalidParameter), worker.Options{})
	defer w.Stop()

	var called int32
	req := worker.NewPnPRequest(pnp.QueryCapabilities, nil)
	req.OnComplete(func(*worker.Request) {
		atomic.AddInt32(&called, 1)
	})
	assert.Equal(t, pnp.InvalidParameter, w.Submit(req, true))
	assert.True(t, req.Completed())
	assert.Equal(t, pnp.InvalidParameter, req.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
	assert.Panics(t, func() {
		worker.Complete(req, 0)
	})
}

func TestActiveBalanced(t *testing.T) {
	h := &holder{}
	w := newWorker(t, h, worker.Options{})
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Submit(worker.NewRequest(pnp.MajorControl, 0, i), false)
	}
	waitFor(func() bool { return h.len() == 3 })
	assert.Equal(t, 3, w.Active())

	for i := 0; i < 3; i++ {
		req := h.get(i)
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 1)
		assert.Equal(t, 2-i, w.Active())
		assert.Equal(t, int8(1), req.Boost())
	}
}

func TestWaitForActiveRequests(t *testing.T) {
	h := &holder{}
	w := newWorker(t, h, worker.Options{})
	defer w.Stop()

	w.Submit(worker.NewRequest(pnp.MajorControl, 0, nil), false)
	w.Submit(worker.NewRequest(pnp.MajorControl, 0, nil), false)
	waitFor(func() bool { return w.Active() == 2 })

	barrier := make(chan pnp.Status, 1)
	go func() {
		barrier <- w.WaitForActiveRequests(nil)
	}()
	waitFor(func() bool { return w.Mode() == worker.Serializing })

	// new submissions wait while the worker is serializing
	submitted := make(chan pnp.Status, 1)
	go func() {
		submitted <- w.Submit(worker.NewRequest(pnp.MajorControl, 0, nil), false)
	}()

	select {
	case <-barrier:
		panic("never")
	case <-submitted:
		panic("never")
	case <-time.After(50 * time.Millisecond):
	}

	w.CompleteAndPassUp(h.get(0), 0)
	select {
	case <-barrier:
		panic("never")
	case <-time.After(50 * time.Millisecond):
	}

	w.CompleteAndPassUp(h.get(1), 0)
	select {
	case st := <-barrier:
		assert.Equal(t, pnp.Success, st)
	case <-time.After(5 * time.Second):
		panic("never")
	}

	select {
	case st := <-submitted:
		assert.Equal(t, pnp.Pending, st)
	case <-time.After(5 * time.Second):
		panic("never")
	}

	w.CompleteAndPassUp(h.get(2), 0)
	waitFor(func() bool { return w.Mode() == worker.Concurrent })
	assert.Equal(t, 0, w.Active())
}

func TestWaitForActiveRequestsInWorker(t *testing.T) {
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		req.Status = w.WaitForActiveRequests(req)
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}), worker.Options{})
	defer w.Stop()

	req := worker.NewPnPRequest(pnp.Remove, nil)
	assert.Equal(t, pnp.Success, w.Submit(req, true))
	waitFor(func() bool { return w.Mode() == worker.Concurrent })
}

func TestResubmissionBackoff(t *testing.T) {
	var count int32
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		if atomic.AddInt32(&count, 1) <= 3 {
			// waiting on ourselves is never honored
			return w.Submit(req, true)
		}
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 0)
		return pnp.Success
	}), worker.Options{})
	defer w.Stop()

	start := time.Now()
	req := worker.NewRequest(pnp.MajorControl, 0, nil)
	w.Submit(req, false)
	waitDone(req.Done())

	assert.True(t, time.Since(start) >= 3*testTimeout)
	assert.Equal(t, int32(4), atomic.LoadInt32(&count))
	assert.Equal(t, 0, w.Active())
}

func TestStopRejects(t *testing.T) {
	exited := make(chan struct{})
	w := newWorker(t, completeWith(pnp.Success), worker.Options{
		OnExit: func() { close(exited) },
	})

	w.Stop()
	waitDone(w.Done())
	waitDone(exited)
	assert.Equal(t, worker.Stopped, w.Availability())

	req := worker.NewRequest(pnp.MajorControl, 0, nil)
	assert.Equal(t, pnp.Rejected, w.Submit(req, false))
	assert.True(t, req.Completed())
	assert.Equal(t, pnp.Rejected, req.Status)

	ran := false
	st := w.RunInWorker(func(*worker.Worker, interface{}) pnp.Status {
		ran = true
		return pnp.Success
	}, nil, false)
	assert.Equal(t, pnp.Rejected, st)
	assert.False(t, ran)

	// stopping twice is harmless
	w.Stop()
}

func TestDeleteRejectsQueued(t *testing.T) {
	gate := make(chan struct{})
	var calls int32
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		atomic.AddInt32(&calls, 1)
		if req.Params == 0 {
			<-gate
			w.Delete()
		}
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 0)
		return pnp.Success
	}), worker.Options{})

	var reqs []*worker.Request
	for i := 0; i < 3; i++ {
		req := worker.NewRequest(pnp.MajorControl, 0, i)
		assert.Equal(t, pnp.Pending, w.Submit(req, false))
		reqs = append(reqs, req)
	}
	waitFor(func() bool { return w.Queued() == 2 })

	close(gate)
	waitDone(w.Done())

	assert.Equal(t, pnp.Success, reqs[0].Status)
	for _, req := range reqs[1:] {
		assert.True(t, req.Completed())
		assert.Equal(t, pnp.Rejected, req.Status)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, w.Active())
	assert.Equal(t, worker.Stopped, w.Availability())
}

func TestDeleteRejectsQueuedWorkItems(t *testing.T) {
	w := newWorker(t, completeWith(pnp.Success), worker.Options{})

	gate := make(chan struct{})
	assert.Equal(t, pnp.Success, w.RunInWorker(func(w *worker.Worker, _ interface{}) pnp.Status {
		<-gate
		w.Delete()
		return pnp.Success
	}, nil, false))

	ran := false
	done := make(chan pnp.Status, 1)
	go func() {
		done <- w.RunInWorker(func(*worker.Worker, interface{}) pnp.Status {
			ran = true
			return pnp.Success
		}, nil, true)
	}()
	waitFor(func() bool { return w.Queued() == 1 })
	close(gate)

	select {
	case st := <-done:
		assert.Equal(t, pnp.Rejected, st)
	case <-time.After(5 * time.Second):
		panic("never")
	}
	waitDone(w.Done())
	assert.False(t, ran)
}

func TestStopInWorker(t *testing.T) {
	var calls int32
	var resubmitted *worker.Request
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		atomic.AddInt32(&calls, 1)
		switch req.Params {
		case 0:
			w.Stop()
		case 1:
			resubmitted = worker.NewRequest(pnp.MajorControl, 0, 2)
			w.Submit(resubmitted, false)
		}
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 0)
		return pnp.Success
	}), worker.Options{})

	gate := make(chan struct{})
	w.RunInWorker(func(*worker.Worker, interface{}) pnp.Status {
		<-gate
		return pnp.Success
	}, nil, false)
	first := worker.NewRequest(pnp.MajorControl, 0, 0)
	second := worker.NewRequest(pnp.MajorControl, 0, 1)
	w.Submit(first, false)
	w.Submit(second, false)
	close(gate)

	waitDone(w.Done())
	assert.Equal(t, pnp.Success, first.Status)
	assert.Equal(t, pnp.Success, second.Status)
	assert.True(t, resubmitted.Completed())
	assert.Equal(t, pnp.Rejected, resubmitted.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, worker.Stopped, w.Availability())
}

func TestStopWhileIdle(t *testing.T) {
	for i := 0; i < 20; i++ {
		w := newWorker(t, completeWith(pnp.Success), worker.Options{
			Config: worker.Config{Timeout: time.Millisecond},
		})
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		w.Stop()
		waitDone(w.Done())
		assert.Equal(t, worker.Stopped, w.Availability())
		assert.Equal(t, 0, w.Queued())
	}
}

func TestStopDrainsQueue(t *testing.T) {
	gate := make(chan struct{})
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		<-gate
		req.Status = pnp.Success
		w.CompleteAndPassUp(req, 0)
		return pnp.Success
	}), worker.Options{})

	var reqs []*worker.Request
	for i := 0; i < 4; i++ {
		req := worker.NewRequest(pnp.MajorControl, 0, i)
		w.Submit(req, false)
		reqs = append(reqs, req)
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	waitFor(func() bool { return w.Availability() != worker.Available })
	close(gate)
	waitDone(stopped)

	for _, req := range reqs {
		assert.Equal(t, pnp.Success, req.Status)
	}
}

func TestStopWaitsForUsage(t *testing.T) {
	w := newWorker(t, completeWith(pnp.Success), worker.Options{})
	w.Usage().Increment()

	go w.Stop()
	select {
	case <-w.Done():
		panic("never")
	case <-time.After(50 * time.Millisecond):
	}

	w.Usage().Decrement()
	waitDone(w.Done())
}

func TestRunInWorkerExhausted(t *testing.T) {
	budget := quota.New(1)
	w := newWorker(t, completeWith(pnp.Success), worker.Options{Budget: budget})
	defer w.Stop()

	gate := make(chan struct{})
	ran := make(chan int, 2)
	st := w.RunInWorker(func(*worker.Worker, interface{}) pnp.Status {
		<-gate
		ran <- 1
		return pnp.Success
	}, nil, false)
	assert.Equal(t, pnp.Success, st)

	st = w.RunInWorker(func(*worker.Worker, interface{}) pnp.Status {
		ran <- 2
		return pnp.Success
	}, nil, false)
	assert.Equal(t, pnp.ResourceExhausted, st)

	close(gate)
	select {
	case n := <-ran:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		panic("never")
	}
	waitFor(func() bool { return budget.InUse() == 0 })

	select {
	case <-ran:
		panic("never")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunInWorkerInline(t *testing.T) {
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		req.Status = w.RunInWorker(func(w *worker.Worker, arg interface{}) pnp.Status {
			if w.InWorker() && arg.(int) == 7 {
				return pnp.Success
			}
			return pnp.Unsuccessful
		}, 7, true)
		w.CompleteAndPassUp(req, 0)
		return req.Status
	}), worker.Options{})
	defer w.Stop()

	assert.False(t, w.InWorker())
	req := worker.NewRequest(pnp.MajorControl, 0, nil)
	assert.Equal(t, pnp.Success, w.Submit(req, true))

	st := w.RunInWorker(func(w *worker.Worker, _ interface{}) pnp.Status {
		if w.InWorker() {
			return pnp.Success
		}
		return pnp.Unsuccessful
	}, nil, true)
	assert.Equal(t, pnp.Success, st)
}

func TestForwardAndWait(t *testing.T) {
	lower := &syncLower{status: pnp.Success}
	completedEarly := false
	w := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		st := w.ForwardAndWait(lower, req)
		completedEarly = req.Completed()
		req.Status = st
		w.CompleteAndPassUp(req, 0)
		return st
	}), worker.Options{})
	defer w.Stop()

	req := worker.NewPnPRequest(pnp.Start, nil)
	assert.Equal(t, pnp.Success, w.Submit(req, true))
	assert.False(t, completedEarly)
	assert.True(t, req.Completed())
	assert.Equal(t, 0, w.Active())
}

func TestForwardAcrossWorkers(t *testing.T) {
	bottom := newWorker(t, completeWith(pnp.NoSuchDevice), worker.Options{})
	defer bottom.Stop()

	lower := &workerLower{w: bottom}
	var during int
	top := newWorker(t, worker.HandlerFunc(func(w *worker.Worker, req *worker.Request) pnp.Status {
		if req.Minor == pnp.Remove {
			return w.ForwardDown(lower, req)
		}
		st := w.ForwardAndWait(lower, req)
		during = w.Active()
		w.CompleteAndPassUp(req, 0)
		return st
	}), worker.Options{})
	defer top.Stop()

	req := worker.NewPnPRequest(pnp.Start, nil)
	assert.Equal(t, pnp.NoSuchDevice, top.Submit(req, true))
	assert.Equal(t, 1, during)
	assert.Equal(t, pnp.NoSuchDevice, req.Status)

	req = worker.NewPnPRequest(pnp.Remove, nil)
	top.Submit(req, false)
	waitDone(req.Done())
	assert.Equal(t, pnp.NoSuchDevice, req.Status)

	assert.Equal(t, 0, top.Active())
	assert.Equal(t, 0, bottom.Active())
}
