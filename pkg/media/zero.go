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
	stdurl "net/url"
	"sync/atomic"
)

// zero:<size> reads as zeros and discards writes.
type zeroOpener struct{}

func (zeroOpener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	s := u.Opaque
	if s == "" {
		s = u.Host
	}
	size, err := ParseSize(s)
	if err != nil {
		return nil, err
	}
	return &zeroMedia{url: u.String(), size: size}, nil
}

type zeroMedia struct {
	url    string
	size   int64
	closed int32
}

func (m *zeroMedia) URL() string {
	return m.url
}

func (m *zeroMedia) Size() int64 {
	return m.size
}

func (m *zeroMedia) ReadAt(p []byte, off int64) (int, error) {
	if atomic.LoadInt32(&m.closed) != 0 {
		return 0, ErrClosed
	}
	n, err := bounds(off, len(p), m.size)
	for i := range p[:n] {
		p[i] = 0
	}
	return n, err
}

func (m *zeroMedia) WriteAt(p []byte, off int64) (int, error) {
	if atomic.LoadInt32(&m.closed) != 0 {
		return 0, ErrClosed
	}
	return bounds(off, len(p), m.size)
}

func (m *zeroMedia) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

func init() {
	Register("zero", zeroOpener{})
}
