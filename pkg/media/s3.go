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
	"io"
	"net/http"
	stdurl "net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/NVIDIA/vblock/pkg/httputil"
)

var (
	s3Once    sync.Once
	s3Session *session.Session
	s3Err     error
)

func sharedSession() (*session.Session, error) {
	s3Once.Do(func() {
		cfg := currentConfig()
		client := &http.Client{
			Timeout:   cfg.Timeout,
			Transport: httputil.WithMetrics(http.DefaultTransport, "vblock_media_s3"),
		}
		s3Session, s3Err = session.NewSession(aws.NewConfig().WithHTTPClient(client))
	})
	return s3Session, s3Err
}

// SplitS3 splits s3://bucket/key into its bucket and key.
func SplitS3(u *stdurl.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Errorf("s3: want s3://bucket/key, got %q", u.String())
	}
	return bucket, key, nil
}

// s3://bucket/key[?region=...] images are read-only and fetched with
// ranged GetObject calls.
type s3Opener struct{}

func (s3Opener) Open(ctx context.Context, u *stdurl.URL) (Media, error) {
	bucket, key, err := SplitS3(u)
	if err != nil {
		return nil, err
	}
	sess, err := sharedSession()
	if err != nil {
		return nil, errors.Wrap(err, "s3 session")
	}
	cfg := aws.NewConfig()
	if region := u.Query().Get("region"); region != "" {
		cfg = cfg.WithRegion(region)
	}
	svc := s3.New(sess, cfg)

	head, err := svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return &s3Media{
		svc:    svc,
		url:    u.String(),
		bucket: bucket,
		key:    key,
		size:   aws.Int64Value(head.ContentLength),
	}, nil
}

type s3Media struct {
	svc    *s3.S3
	url    string
	bucket string
	key    string
	size   int64
	closed int32
}

func (m *s3Media) URL() string {
	return m.url
}

func (m *s3Media) Size() int64 {
	return m.size
}

func (m *s3Media) ReadAt(p []byte, off int64) (int, error) {
	if atomic.LoadInt32(&m.closed) != 0 {
		return 0, ErrClosed
	}
	n, eof := bounds(off, len(p), m.size)
	if n == 0 {
		return 0, eof
	}
	out, err := m.svc.GetObjectWithContext(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key),
		Range:  aws.String(httputil.RangeHeader(off, int64(n))),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "s3 get %s", m.url)
	}
	defer out.Body.Close()

	nn, err := io.ReadFull(out.Body, p[:n])
	if err != nil {
		return nn, errors.Wrapf(err, "s3 get %s", m.url)
	}
	return nn, eof
}

func (m *s3Media) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

func init() {
	Register("s3", s3Opener{})
}
