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

package blockdev

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vblock_blockdev_commands_total",
			Help: "SCSI commands received per exported device.",
		},
		[]string{"device", "kind"},
	)
	promInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vblock_blockdev_in_flight_commands",
		Help: "SCSI commands being handled by the command pool.",
	})
	promExports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vblock_blockdev_exports",
		Help: "Disks currently exported as block devices.",
	})
)

func init() {
	prometheus.MustRegister(promCommands, promInFlight, promExports)
}
