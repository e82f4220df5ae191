package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"photo_pipeline/internal/domain"
)

// API is the subset of the S3 client used by the lister.
type API interface {
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// NewClient builds an S3 client. Static credentials are used when an access
// key is configured, otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*awss3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

type Lister struct {
	api      API
	pageSize int32
	logger   *slog.Logger
}

func NewLister(api API, pageSize int32, logger *slog.Logger) *Lister {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Lister{
		api:      api,
		pageSize: pageSize,
		logger:   logger.With("component", "s3_lister"),
	}
}

// List streams every object under prefix in key order. A truncated page is
// followed by a request starting after the last key it returned; an empty
// page ends the listing even if the store claims truncation.
func (l *Lister) List(ctx context.Context, bucket, prefix string) iter.Seq2[domain.RemoteObject, error] {
	return func(yield func(domain.RemoteObject, error) bool) {
		var (
			startAfter *string
			page       int
		)
		for {
			in := &awss3.ListObjectsV2Input{
				Bucket:     aws.String(bucket),
				MaxKeys:    aws.Int32(l.pageSize),
				StartAfter: startAfter,
			}
			if prefix != "" {
				in.Prefix = aws.String(prefix)
			}

			out, err := l.api.ListObjectsV2(ctx, in)
			if err != nil {
				yield(domain.RemoteObject{}, fmt.Errorf("list objects page %d: %w", page, err))
				return
			}
			page++

			l.logger.Debug("listed page",
				"bucket", bucket,
				"page", page,
				"objects", len(out.Contents),
			)

			if len(out.Contents) == 0 {
				return
			}

			for _, obj := range out.Contents {
				ro := domain.RemoteObject{
					Key:         aws.ToString(obj.Key),
					Size:        aws.ToInt64(obj.Size),
					Fingerprint: aws.ToString(obj.ETag),
				}
				if !yield(ro, nil) {
					return
				}
			}

			if !aws.ToBool(out.IsTruncated) {
				return
			}
			startAfter = out.Contents[len(out.Contents)-1].Key
		}
	}
}

// Fetch downloads the object body. A missing key returns domain.ErrNotFound.
func (l *Lister) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := l.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}
