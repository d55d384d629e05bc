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

package vblock_cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/blockdev"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/host"
	"github.com/NVIDIA/vblock/pkg/media"
	"github.com/NVIDIA/vblock/pkg/probe"
)

type RunCmd struct {
	Probe   probe.Config        `embed:"" prefix:"probe-"`
	Export  bool                `help:"Export disks as local SCSI block devices through TCMU"`
	Tcmu    blockdev.TCMUConfig `embed:"" prefix:"tcmu-"`
	Metrics string              `help:"Address to serve Prometheus metrics on (empty disables)" default:":9100"`
	Rescan  time.Duration       `help:"Enumerate the bus periodically (0 disables)" default:"0s"`
}

// Setup initializes the driver with a prober for the configured media.
func Setup(globals *Globals, cfg probe.Config) (*driver.Driver, *probe.Prober, error) {
	media.Configure(globals.Media)
	d, err := driver.Init(globals.Driver)
	if err != nil {
		return nil, nil, err
	}
	p, err := probe.New(d, cfg)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	d.SetProber(p)
	return d, p, nil
}

func (cmd *RunCmd) Run(globals *Globals) error {
	d, p, err := Setup(globals, cmd.Probe)
	if err != nil {
		zap.L().Fatal("initializing driver", zap.Error(err))
	}

	if cmd.Export {
		mgr, err := blockdev.NewTCMUBlockDeviceManager(cmd.Tcmu)
		if err != nil {
			zap.L().Fatal("creating block device manager", zap.Error(err))
		}
		if _, err := blockdev.Register(d.Registry(), d.Tree(), mgr); err != nil {
			zap.L().Fatal("registering exporter", zap.Error(err))
		}
	}

	if cmd.Metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cmd.Metrics, mux); err != nil {
				zap.L().Error("metrics server", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()
	h := host.New(d)
	if err := h.Start(ctx); err != nil {
		zap.L().Fatal("starting", zap.Error(err))
	}
	zap.L().Info("started", zap.Int("disks", len(d.Disks(nil))))

	// Make signal channel and register notifiers for Interrupt, Terminate
	// and Hangup. Hangup triggers a new enumeration.
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var tick <-chan time.Time
	if cmd.Rescan > 0 {
		t := time.NewTicker(cmd.Rescan)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case sig := <-sigchan:
			zap.L().Info("received signal", zap.String("sig", sig.String()))
			if sig != syscall.SIGHUP {
				return shutdown(ctx, h, d)
			}
			p.Add(cmd.Probe.Media...)
		case <-tick:
		}
		if _, err := h.Enumerate(ctx); err != nil {
			zap.L().Error("enumerate", zap.Error(err))
		}
	}
}

func shutdown(ctx context.Context, h *host.Host, d *driver.Driver) error {
	if err := h.Shutdown(ctx); err != nil {
		zap.L().Error("shutdown", zap.Error(err))
	}
	return d.Close()
}
