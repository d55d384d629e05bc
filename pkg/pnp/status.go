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

package pnp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the completion status carried by every request.
type Status int

const (
	Success Status = iota
	Pending
	Rejected
	ResourceExhausted
	InvalidParameter
	Unsupported
	NoSuchDevice
	Unsuccessful
)

var (
	ErrRejected          = errors.New("device is not available")
	ErrResourceExhausted = errors.New("insufficient resources")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrUnsupported       = errors.New("not supported")
	ErrNoSuchDevice      = errors.New("no such device")
	ErrUnsuccessful      = errors.New("unsuccessful")
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Pending:
		return "Pending"
	case Rejected:
		return "Rejected"
	case ResourceExhausted:
		return "ResourceExhausted"
	case InvalidParameter:
		return "InvalidParameter"
	case Unsupported:
		return "Unsupported"
	case NoSuchDevice:
		return "NoSuchDevice"
	case Unsuccessful:
		return "Unsuccessful"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// OK reports whether s is a success status. Pending is not a failure but is
// not OK either: the final status arrives on completion.
func (s Status) OK() bool {
	return s == Success
}

// Err maps s onto a Go error. Success and Pending map to nil.
func (s Status) Err() error {
	switch s {
	case Success, Pending:
		return nil
	case Rejected:
		return ErrRejected
	case ResourceExhausted:
		return ErrResourceExhausted
	case InvalidParameter:
		return ErrInvalidParameter
	case Unsupported:
		return ErrUnsupported
	case NoSuchDevice:
		return ErrNoSuchDevice
	default:
		return errors.Wrap(ErrUnsuccessful, s.String())
	}
}

// Errorf describes a status the caller did not expect. It returns nil only
// for Success; statuses without a sentinel, such as Pending, still produce
// an error.
func (s Status) Errorf(format string, args ...interface{}) error {
	if s == Success {
		return nil
	}
	if err := s.Err(); err != nil {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Errorf("%s: %s", fmt.Sprintf(format, args...), s)
}
