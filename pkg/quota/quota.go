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

// Package quota bounds the memory the core may hold on behalf of requests:
// deferred work items, relation arrays and text buffers. An exhausted
// budget fails the single allocation that hit it.
package quota

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget hands out leases against a fixed number of units.
type Budget struct {
	sem   *semaphore.Weighted
	size  int64
	inUse int64
}

// Unlimited is used when no budget is configured.
const Unlimited = int64(1) << 62

func New(size int64) *Budget {
	if size <= 0 {
		size = Unlimited
	}
	return &Budget{
		sem:  semaphore.NewWeighted(size),
		size: size,
	}
}

// Lease is a successful allocation. Release returns it exactly once.
type Lease struct {
	b    *Budget
	n    int64
	once sync.Once
}

// Alloc tries to take n units without blocking.
func (b *Budget) Alloc(n int64) (*Lease, bool) {
	if n < 0 {
		panic("quota: negative allocation")
	}
	if !b.sem.TryAcquire(n) {
		return nil, false
	}
	atomic.AddInt64(&b.inUse, n)
	return &Lease{b: b, n: n}, true
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		atomic.AddInt64(&l.b.inUse, -l.n)
		l.b.sem.Release(l.n)
	})
}

// InUse reports the units currently leased.
func (b *Budget) InUse() int64 {
	return atomic.LoadInt64(&b.inUse)
}

func (b *Budget) Size() int64 {
	return b.size
}
