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

package tracker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/vblock/pkg/tracker"
)

func TestTracker(t *testing.T) {
	tr := tracker.New()
	tr.Wait()

	assert.Equal(t, 1, tr.Increment())
	assert.Equal(t, 2, tr.Increment())

	done := make(chan struct{})
	go func() {
		tr.Wait()
		close(done)
	}()

	assert.Equal(t, 1, tr.Decrement())
	select {
	case <-done:
		panic("never")
	case <-time.After(10 * time.Millisecond):
	}

	assert.Equal(t, 0, tr.Decrement())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		panic("never")
	}
	select {
	case <-tr.Zero():
	default:
		panic("never")
	}

	assert.Panics(t, func() { tr.Decrement() })
}
