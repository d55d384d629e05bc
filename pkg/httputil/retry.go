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

package httputil

import (
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// RetryOptions bound the exponential backoff between attempts. Zero
// fields keep the backoff package defaults.
type RetryOptions struct {
	InitialInterval time.Duration `help:"First retry delay" default:"100ms"`
	MaxInterval     time.Duration `help:"Longest retry delay" default:"5s"`
	MaxElapsedTime  time.Duration `help:"Give up after this long" default:"1m"`
}

func (o RetryOptions) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if o.MaxElapsedTime != 0 {
		b.MaxElapsedTime = o.MaxElapsedTime
	}
	if o.MaxInterval != 0 {
		b.MaxInterval = o.MaxInterval
	}
	if o.InitialInterval != 0 {
		b.InitialInterval = o.InitialInterval
	}
	b.Reset()
	return b
}

// WithRetries retries requests that fail at the transport or with a 5xx
// or 429 response. Only requests without a body are retried.
func WithRetries(base http.RoundTripper, options ...RetryOptions) http.RoundTripper {
	t := &retryingRoundTripper{rt: base}
	if len(options) > 0 {
		t.opts = options[0]
	}
	return t
}

type retryingRoundTripper struct {
	rt   http.RoundTripper
	opts RetryOptions
}

func (r *retryingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody {
		return r.rt.RoundTrip(req)
	}

	b := r.opts.backOff()
	for {
		resp, err := r.rt.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return resp, err
		}
		if err != nil {
			warnf("retrying %s in %s: %s", req.URL, delay, err)
		} else {
			warnf("retrying %s in %s: http %d", req.URL, delay, resp.StatusCode)
			io.Copy(ioutil.Discard, resp.Body)
			resp.Body.Close()
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-req.Context().Done():
			t.Stop()
			return nil, req.Context().Err()
		}
	}
}

func warnf(v string, a ...interface{}) {
	zap.L().Sugar().Named("httputil").Warnf(v, a...)
}
