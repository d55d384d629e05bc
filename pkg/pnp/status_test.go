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

package pnp_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/vblock/pkg/pnp"
)

func TestStatusErrorf(t *testing.T) {
	assert.Nil(t, pnp.Success.Errorf("start %s", "bus0"))

	err := pnp.Rejected.Errorf("start %s", "bus0")
	assert.Equal(t, pnp.ErrRejected, errors.Cause(err))
	assert.Contains(t, err.Error(), "start bus0")

	// Pending has no sentinel but is not a final answer either.
	assert.Nil(t, pnp.Pending.Err())
	err = pnp.Pending.Errorf("start %s", "bus0")
	if assert.Error(t, err) {
		assert.Equal(t, "start bus0: Pending", err.Error())
	}

	err = pnp.Status(42).Errorf("query")
	assert.Equal(t, pnp.ErrUnsuccessful, errors.Cause(err))
}
