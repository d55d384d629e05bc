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

package blockdev_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tnarg/go-tcmu"

	"github.com/NVIDIA/vblock/pkg/blockdev"
)

type fakeHandler struct {
	ok chan tcmu.SCSIResponse
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{ok: make(chan tcmu.SCSIResponse)}
}

func (h *fakeHandler) HandleCommand(cmd *tcmu.SCSICmd) (tcmu.SCSIResponse, error) {
	return <-h.ok, nil
}

func TestCmdPoolClose(t *testing.T) {
	pool := blockdev.NewCmdPool(4, 1024)
	assert.Nil(t, pool.Close())
	assert.Nil(t, pool.Close())
}

func TestCmdPoolClosedInput(t *testing.T) {
	pool := blockdev.NewCmdPool(4, 1024)
	defer pool.Close()

	in := make(chan *tcmu.SCSICmd)
	out := make(chan tcmu.SCSIResponse)
	assert.Nil(t, pool.DevReady(newFakeHandler())(in, out))

	close(in)
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		panic("never")
	}
}

func exchange(t *testing.T, h *fakeHandler, in chan *tcmu.SCSICmd, out chan tcmu.SCSIResponse, status byte) {
	req := &tcmu.SCSICmd{}
	expected := req.RespondStatus(status)

	select {
	case in <- req:
	case <-time.After(5 * time.Second):
		panic("never")
	}
	select {
	case h.ok <- req.RespondStatus(status):
	case <-time.After(5 * time.Second):
		panic("never")
	}
	select {
	case actual := <-out:
		assert.Equal(t, expected, actual, "response")
	case <-time.After(5 * time.Second):
		panic("never")
	}
}

func TestCmdPoolResponses(t *testing.T) {
	pool := blockdev.NewCmdPool(4, 1024)
	defer pool.Close()

	var wg sync.WaitGroup
	for j := 0; j < 16; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := newFakeHandler()
			in := make(chan *tcmu.SCSICmd)
			out := make(chan tcmu.SCSIResponse)
			assert.Nil(t, pool.DevReady(h)(in, out))

			for i := byte(0); i < 32; i++ {
				exchange(t, h, in, out, i)
			}
			close(in)
			select {
			case <-out:
			case <-time.After(5 * time.Second):
				panic("never")
			}
		}()
	}
	wg.Wait()
}
