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

package media_test

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"

	"github.com/NVIDIA/vblock/pkg/media"
	"github.com/NVIDIA/vblock/pkg/pnp"
)

func TestSchemes(t *testing.T) {
	assert.Equal(t, []string{"data", "file", "http", "https", "ram", "s3", "zero"}, media.Schemes())
	assert.Panics(t, func() { media.Register("ram", nil) })

	_, err := media.Open(context.Background(), "gopher://example.com/disk")
	assert.Error(t, err)
}

func TestRAM(t *testing.T) {
	m, err := media.Open(context.Background(), "ram:4KiB")
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, int64(4096), m.Size())

	w, ok := m.(io.WriterAt)
	require.True(t, ok)
	n, err := w.WriteAt([]byte("hello"), 4094)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)

	buf := make([]byte, 4)
	n, err = m.ReadAt(buf, 4092)
	assert.Equal(t, 4, n)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 'h', 'e'}, buf)

	_, err = m.ReadAt(buf, 4096)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, m.Close())
	_, err = m.ReadAt(buf, 0)
	assert.Equal(t, media.ErrClosed, err)
}

func TestZero(t *testing.T) {
	m, err := media.Open(context.Background(), "zero:1MB")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), m.Size())

	buf := []byte{1, 2, 3}
	n, err := m.ReadAt(buf, 10)
	assert.Equal(t, 3, n)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, buf)

	_, err = media.Open(context.Background(), "zero:lots")
	assert.Error(t, err)
}

func TestData(t *testing.T) {
	payload := []byte("boot sector")
	m, err := media.Open(context.Background(), dataurl.New(payload, "application/octet-stream").String())
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), m.Size())
	_, ok := m.(io.WriterAt)
	assert.False(t, ok)

	buf := make([]byte, 6)
	_, err = m.ReadAt(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, "sector", string(buf))
}

func TestFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "vblock-media")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	p := filepath.Join(dir, "disk.img")
	require.NoError(t, ioutil.WriteFile(p, bytes.Repeat([]byte{0xaa}, 1024), 0600))

	m, err := media.Open(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), m.Size())

	_, err = media.Open(context.Background(), "file://"+p)
	assert.Equal(t, media.ErrLocked, errors.Cause(err))

	w := m.(io.WriterAt)
	_, err = w.WriteAt([]byte{1, 2}, 0)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	ro, err := media.Open(context.Background(), "file://"+p+"?ro=1")
	require.NoError(t, err)
	defer ro.Close()
	_, ok := ro.(io.WriterAt)
	assert.False(t, ok)
	buf := make([]byte, 3)
	_, err = ro.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0xaa}, buf)
}

func TestHTTP(t *testing.T) {
	image := bytes.Repeat([]byte("0123456789abcdef"), 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "disk.img", time.Time{}, bytes.NewReader(image))
	}))
	defer srv.Close()

	m, err := media.Open(context.Background(), srv.URL+"/disk.img")
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, int64(len(image)), m.Size())

	buf := make([]byte, 8)
	n, err := m.ReadAt(buf, 20)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "456789ab", string(buf))

	n, err = m.ReadAt(buf, int64(len(image))-4)
	assert.Equal(t, 4, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "cdef", string(buf[:n]))
}

func TestSplitS3(t *testing.T) {
	u, err := media.Parse("s3://images/boot/disk.img?region=us-west-2")
	require.NoError(t, err)
	bucket, key, err := media.SplitS3(u)
	require.NoError(t, err)
	assert.Equal(t, "images", bucket)
	assert.Equal(t, "boot/disk.img", key)

	u, err = media.Parse("s3://images")
	require.NoError(t, err)
	_, _, err = media.SplitS3(u)
	assert.Error(t, err)
}

func TestTypeOf(t *testing.T) {
	open := func(url string) media.Media {
		m, err := media.Open(context.Background(), url)
		require.NoError(t, err)
		return m
	}
	assert.Equal(t, pnp.Floppy, media.TypeOf(open("zero:1440KiB")))
	assert.Equal(t, pnp.HardDisk, media.TypeOf(open("zero:64MiB")))
	assert.Equal(t, pnp.OpticalDisc, media.TypeOf(open("zero:64MiB?type=cdrom")))
	assert.Equal(t, pnp.HardDisk, media.TypeOf(open("ram:1440KiB?type=hd")))

	img := make([]byte, 64*2048)
	copy(img[16*2048:], "\x01CD001")
	assert.Equal(t, pnp.OpticalDisc, media.TypeOf(media.NewRAM("ram:128KiB", img)))
}
