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

package media

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	stdurl "net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NVIDIA/vblock/pkg/httputil"
)

// Config tunes the remote backends. It must be applied with Configure
// before the first remote open.
type Config struct {
	Timeout time.Duration         `help:"Remote media request timeout" default:"30s"`
	Retry   httputil.RetryOptions `embed:"" prefix:"retry-"`
}

var (
	configMu   sync.Mutex
	config     = Config{Timeout: 30 * time.Second}
	httpOnce   sync.Once
	httpClient *http.Client
)

func Configure(c Config) {
	configMu.Lock()
	config = c
	configMu.Unlock()
}

func currentConfig() Config {
	configMu.Lock()
	defer configMu.Unlock()
	return config
}

func sharedHTTPClient() *http.Client {
	httpOnce.Do(func() {
		cfg := currentConfig()
		t := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   1024,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: httputil.WithMetrics(httputil.WithRetries(t, cfg.Retry), "vblock_media_http"),
		}
	})
	return httpClient
}

func logger() *zap.Logger {
	return zap.L().Named("media")
}

// http: and https: images are read-only and fetched with range requests.
type httpOpener struct{}

func (httpOpener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	c := sharedHTTPClient()
	req, err := http.NewRequest(http.MethodHead, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	io.Copy(ioutil.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HEAD: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, errors.New("HEAD: unknown Content-Length")
	}
	return &httpMedia{
		client: c,
		url:    u.String(),
		size:   resp.ContentLength,
	}, nil
}

type httpMedia struct {
	client *http.Client
	url    string
	size   int64
	closed int32
}

func (m *httpMedia) URL() string {
	return m.url
}

func (m *httpMedia) Size() int64 {
	return m.size
}

func (m *httpMedia) ReadAt(p []byte, off int64) (int, error) {
	if atomic.LoadInt32(&m.closed) != 0 {
		return 0, ErrClosed
	}
	n, eof := bounds(off, len(p), m.size)
	if n == 0 {
		return 0, eof
	}

	req, err := http.NewRequest(http.MethodGet, m.url, nil)
	if err != nil {
		return 0, err
	}
	rng := httputil.RangeHeader(off, int64(n))
	req.Header.Set("Range", rng)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "GET %s", m.url)
	}
	defer resp.Body.Close()

	logger().Debug("GET", zap.String("url", m.url), zap.String("range", rng), zap.Int("status", resp.StatusCode))

	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(ioutil.Discard, resp.Body)
		return 0, errors.Errorf("GET %s: HTTP %d", m.url, resp.StatusCode)
	}
	cr, err := httputil.GetContentRange(resp)
	if err != nil {
		return 0, errors.Wrapf(err, "GET %s", m.url)
	}
	if cr.First != uint64(off) || cr.Len() != uint64(n) {
		return 0, errors.Errorf("GET %s: asked for %q, got %q", m.url, rng, resp.Header.Get("Content-Range"))
	}

	nn, err := io.ReadFull(resp.Body, p[:n])
	if err != nil {
		return nn, errors.Wrapf(err, "GET %s", m.url)
	}
	return nn, eof
}

func (m *httpMedia) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

func init() {
	Register("http", httpOpener{})
	Register("https", httpOpener{})
}
