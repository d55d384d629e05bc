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
	"sync"
)

// ram:<size> is a zero-filled, writable in-memory image.
type ramOpener struct{}

func (ramOpener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	s := u.Opaque
	if s == "" {
		s = u.Host
	}
	size, err := ParseSize(s)
	if err != nil {
		return nil, err
	}
	return NewRAM(u.String(), make([]byte, size)), nil
}

// NewRAM wraps buf as writable media. The media owns buf afterwards.
func NewRAM(url string, buf []byte) Media {
	return &ramMedia{url: url, buf: buf}
}

type ramMedia struct {
	url string

	mu     sync.RWMutex
	buf    []byte
	closed bool
}

func (m *ramMedia) URL() string {
	return m.url
}

func (m *ramMedia) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.buf))
}

func (m *ramMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	n, err := bounds(off, len(p), int64(len(m.buf)))
	if n > 0 {
		copy(p, m.buf[off:off+int64(n)])
	}
	return n, err
}

func (m *ramMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n, err := bounds(off, len(p), int64(len(m.buf)))
	if n > 0 {
		copy(m.buf[off:], p[:n])
	}
	return n, err
}

func (m *ramMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buf = nil
	return nil
}

func init() {
	Register("ram", ramOpener{})
}
