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
	"bytes"
	"context"
	"io"
	stdurl "net/url"

	"github.com/vincent-petithory/dataurl"
)

// data: URLs (RFC 2397) are read-only images carried in the URL itself.
type dataOpener struct{}

func (dataOpener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	raw := u.String()
	d, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return &dataMedia{
		url: raw,
		sr:  io.NewSectionReader(bytes.NewReader(d.Data), 0, int64(len(d.Data))),
	}, nil
}

type dataMedia struct {
	url string
	sr  *io.SectionReader
}

func (m *dataMedia) URL() string {
	return m.url
}

func (m *dataMedia) Size() int64 {
	return m.sr.Size()
}

func (m *dataMedia) ReadAt(p []byte, off int64) (int, error) {
	return m.sr.ReadAt(p, off)
}

func (m *dataMedia) Close() error {
	return nil
}

func init() {
	Register("data", dataOpener{})
}
