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

// Package httputil holds the HTTP client plumbing shared by remote media.
package httputil

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var contentRangeRE = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// ContentRange is a parsed "Content-Range: bytes first-last/total" header.
type ContentRange struct {
	First uint64
	Last  uint64
	Total uint64
}

func (cr ContentRange) Len() uint64 {
	return cr.Last - cr.First + 1
}

// Terminal reports whether the range ends at the last byte of the entity.
func (cr ContentRange) Terminal() bool {
	return cr.Last == cr.Total-1
}

// RangeHeader formats an inclusive byte range request for n bytes at off.
func RangeHeader(off, n int64) string {
	return fmt.Sprintf("bytes=%d-%d", off, off+n-1)
}

func GetContentRange(resp *http.Response) (*ContentRange, error) {
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return nil, errors.New("empty/missing Content-Range header")
	}
	parts := contentRangeRE.FindStringSubmatch(cr)
	if len(parts) != 4 {
		return nil, errors.Errorf("invalid Content-Range header %q", cr)
	}
	var vals [3]uint64
	for i := range vals {
		v, err := strconv.ParseUint(parts[i+1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid Content-Range header %q", cr)
		}
		vals[i] = v
	}
	first, last, total := vals[0], vals[1], vals[2]
	if first > last || first >= total || last >= total {
		return nil, errors.Errorf("invalid Content-Range header %q", cr)
	}

	return &ContentRange{first, last, total}, nil
}
