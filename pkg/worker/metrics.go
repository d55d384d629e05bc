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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vblock_worker_dispatched_total",
			Help: "A counter of requests dispatched by device workers.",
		},
		[]string{"class", "kind"},
	)
	promRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vblock_worker_rejected_total",
			Help: "A counter of requests rejected because the device was not available.",
		},
		[]string{"class"},
	)
	promQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vblock_worker_queued_requests",
			Help: "A gauge of requests waiting in device worker queues.",
		},
		[]string{"class"},
	)
	promActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vblock_worker_active_requests",
			Help: "A gauge of requests dispatched but not yet completed.",
		},
		[]string{"class"},
	)
	promSentinelWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vblock_worker_sentinel_waits_total",
			Help: "A counter of timed waits taken because a request came back around the queue.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		promDispatched,
		promRejected,
		promQueued,
		promActive,
		promSentinelWaits,
	)
}
