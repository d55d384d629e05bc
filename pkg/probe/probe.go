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

// Package probe discovers media and attaches them to a bus as disks.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/bus"
	"github.com/NVIDIA/vblock/pkg/disk"
	"github.com/NVIDIA/vblock/pkg/driver"
	"github.com/NVIDIA/vblock/pkg/media"
)

type Config struct {
	Media   []string      `help:"Media URLs to attach as disks" name:"media" sep:","`
	Timeout time.Duration `help:"Give up opening a medium after this long" default:"10s"`
	Seen    int           `help:"Number of attached media to remember" default:"1024"`
}

// Prober is a bus.Prober that turns queued media URLs into disks on the
// bus being probed.
type Prober struct {
	d   *driver.Driver
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	pending []string
	seen    *simplelru.LRU // url -> disk name
}

func New(d *driver.Driver, cfg Config) (*Prober, error) {
	if cfg.Seen <= 0 {
		cfg.Seen = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	p := &Prober{
		d:   d,
		cfg: cfg,
		log: zap.L().Named("probe"),
	}
	seen, err := simplelru.NewLRU(cfg.Seen, func(key interface{}, value interface{}) {
		p.log.Debug("forgetting medium", zap.String("url", key.(string)), zap.String("disk", value.(string)))
	})
	if err != nil {
		return nil, err
	}
	p.seen = seen
	p.Add(cfg.Media...)
	return p, nil
}

// Add queues media for the next probe.
func (p *Prober) Add(urls ...string) {
	p.mu.Lock()
	p.pending = append(p.pending, urls...)
	p.mu.Unlock()
}

// Forget lets url be attached again, e.g. after its disk was removed.
func (p *Prober) Forget(url string) {
	p.mu.Lock()
	p.seen.Remove(url)
	p.mu.Unlock()
}

// Pending is the number of queued media.
func (p *Prober) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Probe attaches every queued medium that is not on the bus yet.
func (p *Prober) Probe(b *bus.Bus) {
	p.mu.Lock()
	urls := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, url := range urls {
		p.mu.Lock()
		dup := p.seen.Contains(url)
		p.mu.Unlock()
		if dup {
			continue
		}

		dk, err := p.attach(b, url)
		if err != nil {
			p.log.Error("attach", zap.String("url", url), zap.Error(err))
			continue
		}

		p.mu.Lock()
		p.seen.Add(url, dk.Name())
		p.mu.Unlock()
		p.log.Info("attached", zap.String("url", url), zap.String("disk", dk.Name()),
			zap.Stringer("type", dk.MediaType()), zap.Int64("size", dk.Size()))
	}
}

func (p *Prober) open(url string) (media.Media, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.cfg.Timeout

	var m media.Media
	err := backoff.Retry(func() error {
		var err error
		m, err = media.Open(ctx, url)
		if err != nil {
			p.log.Warn("open", zap.String("url", url), zap.Error(err))
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return m, err
}

func (p *Prober) attach(b *bus.Bus, url string) (*disk.Disk, error) {
	m, err := p.open(url)
	if err != nil {
		return nil, err
	}

	dk, err := p.d.CreateDisk(disk.Options{
		URL:       url,
		MediaType: media.TypeOf(m),
		Media:     m,
	}, nil)
	if err != nil {
		m.Close()
		return nil, err
	}

	if err := b.AddNode(dk.Node()); err != nil {
		dk.Close()
		return nil, errors.Wrap(err, "add node")
	}
	return dk, nil
}
