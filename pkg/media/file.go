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
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// file: images are opened read-write under an exclusive advisory lock, or
// read-only under a shared one when the URL carries "ro=1" or the file is
// not writable.
type fileOpener struct{}

func (fileOpener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	p := u.Opaque
	if p == "" {
		p = u.Path
	}
	p = filepath.Clean(p)

	readOnly := u.Query().Get("ro") == "1"
	flag, how := os.O_RDWR, unix.LOCK_EX
	if readOnly {
		flag, how = os.O_RDONLY, unix.LOCK_SH
	}
	f, err := os.OpenFile(p, flag, 0)
	if os.IsPermission(err) && !readOnly {
		readOnly = true
		flag, how = os.O_RDONLY, unix.LOCK_SH
		f, err = os.OpenFile(p, flag, 0)
	}
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrap(ErrLocked, p)
		}
		return nil, errors.Wrap(err, "flock")
	}

	finfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !finfo.Mode().IsRegular() {
		f.Close()
		return nil, errors.Errorf("%s: not a regular file", p)
	}

	m := &fileMedia{url: u.String(), f: f, size: finfo.Size()}
	if readOnly {
		return &readOnlyFile{m}, nil
	}
	return m, nil
}

type fileMedia struct {
	url  string
	size int64

	mu sync.RWMutex
	f  *os.File
}

func (m *fileMedia) URL() string {
	return m.url
}

func (m *fileMedia) Size() int64 {
	return m.size
}

func (m *fileMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	n, err := bounds(off, len(p), m.size)
	if n == 0 {
		return 0, err
	}
	nn, rerr := m.f.ReadAt(p[:n], off)
	if rerr != nil {
		return nn, rerr
	}
	return nn, err
}

// WriteAt never grows the image.
func (m *fileMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	n, err := bounds(off, len(p), m.size)
	if n == 0 {
		return 0, err
	}
	nn, werr := m.f.WriteAt(p[:n], off)
	if werr != nil {
		return nn, werr
	}
	return nn, err
}

func (m *fileMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	f := m.f
	m.f = nil
	defer f.Close()
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// readOnlyFile hides WriteAt.
type readOnlyFile struct {
	m *fileMedia
}

func (r *readOnlyFile) URL() string                             { return r.m.URL() }
func (r *readOnlyFile) Size() int64                             { return r.m.Size() }
func (r *readOnlyFile) ReadAt(p []byte, off int64) (int, error) { return r.m.ReadAt(p, off) }
func (r *readOnlyFile) Close() error                            { return r.m.Close() }

func init() {
	Register("file", fileOpener{})
}
