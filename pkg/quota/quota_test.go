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

package quota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vblock/pkg/quota"
)

func TestBudget(t *testing.T) {
	b := quota.New(10)
	assert.Equal(t, int64(10), b.Size())

	l1, ok := b.Alloc(6)
	require.True(t, ok)
	_, ok = b.Alloc(5)
	assert.False(t, ok)
	assert.Equal(t, int64(6), b.InUse())

	l2, ok := b.Alloc(4)
	require.True(t, ok)
	assert.Equal(t, int64(10), b.InUse())

	l1.Release()
	l1.Release()
	assert.Equal(t, int64(4), b.InUse())
	l2.Release()
	assert.Equal(t, int64(0), b.InUse())

	var nilLease *quota.Lease
	nilLease.Release()

	assert.Panics(t, func() { b.Alloc(-1) })
}

func TestUnlimited(t *testing.T) {
	b := quota.New(0)
	assert.Equal(t, quota.Unlimited, b.Size())
	l, ok := b.Alloc(1 << 40)
	require.True(t, ok)
	l.Release()
}
