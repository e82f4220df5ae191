package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/suite"

	"photo_pipeline/internal/domain"
)

// fakeBucket serves ListObjectsV2 over a sorted key set the way S3 does.
type fakeBucket struct {
	keys    []string
	bodies  map[string][]byte
	calls   []*awss3.ListObjectsV2Input
	failAt  int
	lieOnce bool
}

func newFakeBucket(n int) *fakeBucket {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("photos/%05d.jpg", i)
	}
	return &fakeBucket{keys: keys, bodies: map[string][]byte{}, failAt: -1}
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.calls = append(f.calls, in)
	if len(f.calls)-1 == f.failAt {
		return nil, errors.New("connection reset")
	}

	start := 0
	if in.StartAfter != nil {
		start = sort.SearchStrings(f.keys, *in.StartAfter)
		if start < len(f.keys) && f.keys[start] == *in.StartAfter {
			start++
		}
	}
	end := min(start+int(aws.ToInt32(in.MaxKeys)), len(f.keys))

	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(f.keys) || f.lieOnce)}
	for _, k := range f.keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(10),
			ETag: aws.String(`"etag-` + k + `"`),
		})
	}
	return out, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	body, ok := f.bodies[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

type ListerTestSuite struct {
	suite.Suite
	logger *slog.Logger
}

func (s *ListerTestSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestListerTestSuite(t *testing.T) {
	suite.Run(t, new(ListerTestSuite))
}

func (s *ListerTestSuite) collect(l *Lister) ([]domain.RemoteObject, error) {
	var objs []domain.RemoteObject
	for obj, err := range l.List(context.Background(), "bucket", "photos/") {
		if err != nil {
			return objs, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (s *ListerTestSuite) TestList_PaginatesWithStartAfter() {
	bucket := newFakeBucket(2500)
	l := NewLister(bucket, 1000, s.logger)

	objs, err := s.collect(l)
	s.Require().NoError(err)

	s.Len(bucket.calls, 3)
	s.Len(objs, 2500)

	seen := make(map[string]bool, len(objs))
	for _, o := range objs {
		s.False(seen[o.Key], "duplicate key %s", o.Key)
		seen[o.Key] = true
	}

	s.Nil(bucket.calls[0].StartAfter)
	s.Equal("photos/00999.jpg", aws.ToString(bucket.calls[1].StartAfter))
	s.Equal("photos/01999.jpg", aws.ToString(bucket.calls[2].StartAfter))
	s.Equal("photos/", aws.ToString(bucket.calls[0].Prefix))
	s.Equal(int32(1000), aws.ToInt32(bucket.calls[0].MaxKeys))
}

func (s *ListerTestSuite) TestList_CarriesSizeAndFingerprint() {
	l := NewLister(newFakeBucket(1), 10, s.logger)

	objs, err := s.collect(l)
	s.Require().NoError(err)
	s.Require().Len(objs, 1)
	s.Equal(domain.RemoteObject{Key: "photos/00000.jpg", Size: 10, Fingerprint: `"etag-photos/00000.jpg"`}, objs[0])
}

func (s *ListerTestSuite) TestList_EmptyPageStops() {
	bucket := newFakeBucket(5)
	bucket.lieOnce = true
	l := NewLister(bucket, 5, s.logger)

	objs, err := s.collect(l)
	s.Require().NoError(err)
	s.Len(objs, 5)
	s.Len(bucket.calls, 2)
}

func (s *ListerTestSuite) TestList_EmptyBucket() {
	bucket := newFakeBucket(0)
	l := NewLister(bucket, 100, s.logger)

	objs, err := s.collect(l)
	s.Require().NoError(err)
	s.Empty(objs)
	s.Len(bucket.calls, 1)
}

func (s *ListerTestSuite) TestList_PageErrorSurfaces() {
	bucket := newFakeBucket(30)
	bucket.failAt = 1
	l := NewLister(bucket, 10, s.logger)

	objs, err := s.collect(l)
	s.Error(err)
	s.Contains(err.Error(), "connection reset")
	s.Len(objs, 10)
}

func (s *ListerTestSuite) TestList_StopsWhenConsumerBreaks() {
	bucket := newFakeBucket(50)
	l := NewLister(bucket, 10, s.logger)

	n := 0
	for _, err := range l.List(context.Background(), "bucket", "") {
		s.Require().NoError(err)
		n++
		if n == 3 {
			break
		}
	}
	s.Len(bucket.calls, 1)
	s.Nil(bucket.calls[0].Prefix)
}

func (s *ListerTestSuite) TestFetch() {
	bucket := newFakeBucket(0)
	bucket.bodies["a.jpg.json"] = []byte(`{"labels":["x"]}`)
	l := NewLister(bucket, 10, s.logger)

	data, err := l.Fetch(context.Background(), "bucket", "a.jpg.json")
	s.Require().NoError(err)
	s.JSONEq(`{"labels":["x"]}`, string(data))

	_, err = l.Fetch(context.Background(), "bucket", "missing.json")
	s.ErrorIs(err, domain.ErrNotFound)
}
