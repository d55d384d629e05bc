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

// Package media opens the storage behind a disk by URL scheme.
package media

import (
	"context"
	"fmt"
	"io"
	stdurl "net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"

	"github.com/NVIDIA/vblock/pkg/pnp"
)

// Media is an open, fixed-size, randomly addressable image. Writable
// media also implement io.WriterAt.
type Media interface {
	io.ReaderAt
	io.Closer
	Size() int64
	URL() string
}

// Opener is implemented by each media backend.
type Opener interface {
	Open(ctx context.Context, u *stdurl.URL) (Media, error)
}

var (
	ErrReadOnly = errors.New("media: read-only")
	ErrClosed   = errors.New("media: closed")
	ErrLocked   = errors.New("media: locked by another process")
)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// Register makes a backend available by the provided URL scheme. If
// Register is called twice with the same scheme or if o is nil, it panics.
func Register(scheme string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if o == nil {
		panic("media: Register opener is nil")
	}
	if _, dup := openers[scheme]; dup {
		panic("media: Register called twice for scheme " + scheme)
	}
	openers[scheme] = o
}

// Schemes returns the sorted URL schemes of the registered backends.
func Schemes() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	var list []string
	for scheme := range openers {
		list = append(list, scheme)
	}
	sort.Strings(list)
	return list
}

// Parse parses rawurl, treating a URL without a scheme as a file path.
func Parse(rawurl string) (*stdurl.URL, error) {
	u, err := stdurl.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "media: parse %q", rawurl)
	}
	if u.Scheme == "" {
		u.Scheme = "file"
		if !strings.HasPrefix(u.Path, "/") {
			u.Opaque = u.Path
			u.Path = ""
			u.RawPath = ""
		}
	}
	return u, nil
}

// Open opens the media named by rawurl.
func Open(ctx context.Context, rawurl string) (Media, error) {
	u, err := Parse(rawurl)
	if err != nil {
		return nil, err
	}

	openersMu.RLock()
	o, ok := openers[u.Scheme]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("media: unknown scheme %q", u.Scheme)
	}

	m, err := o.Open(ctx, u)
	if err != nil {
		return nil, errors.Wrapf(err, "media: open %q", rawurl)
	}
	return m, nil
}

// ParseSize parses a byte count such as "1440KiB" or "64MB".
func ParseSize(s string) (int64, error) {
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "media: size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("media: negative size %q", s)
	}
	return n, nil
}

var floppySizes = map[int64]bool{
	160 * 1024:  true,
	180 * 1024:  true,
	320 * 1024:  true,
	360 * 1024:  true,
	720 * 1024:  true,
	1200 * 1024: true,
	1440 * 1024: true,
	2880 * 1024: true,
}

// TypeOf guesses the media type of m. A "type" query parameter on the URL
// wins; otherwise ISO images are optical discs and images of a standard
// floppy geometry are floppies.
func TypeOf(m Media) pnp.MediaType {
	if u, err := Parse(m.URL()); err == nil {
		switch strings.ToLower(u.Query().Get("type")) {
		case "floppy", "fd":
			return pnp.Floppy
		case "cdrom", "cd", "optical":
			return pnp.OpticalDisc
		case "disk", "hd":
			return pnp.HardDisk
		}
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if strings.EqualFold(path.Ext(p), ".iso") {
			return pnp.OpticalDisc
		}
	}
	if hasVolumeDescriptor(m) {
		return pnp.OpticalDisc
	}
	if floppySizes[m.Size()] {
		return pnp.Floppy
	}
	return pnp.HardDisk
}

// ISO 9660 volume descriptors start at sector 16 with a type byte followed
// by the standard identifier.
const (
	volumeDescriptorOffset = 16 * 2048
	standardIdentifier     = "CD001"
)

func hasVolumeDescriptor(m Media) bool {
	if m.Size() < volumeDescriptorOffset+2048 {
		return false
	}
	var buf [1 + len(standardIdentifier)]byte
	if _, err := m.ReadAt(buf[:], volumeDescriptorOffset); err != nil {
		return false
	}
	return string(buf[1:]) == standardIdentifier
}

// bounds clips a transfer of n bytes at off to a medium of the given size.
func bounds(off int64, n int, size int64) (int, error) {
	if off < 0 {
		return 0, errors.New("media: negative offset")
	}
	if off >= size {
		if n == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if rem := size - off; int64(n) > rem {
		return int(rem), io.EOF
	}
	return n, nil
}
