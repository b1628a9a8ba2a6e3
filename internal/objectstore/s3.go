package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 reads documents from one bucket.
type S3 struct {
	api    S3API
	bucket string
	retry  resilience.RetryConfig
}

// NewS3 creates an S3 store for bucket.
func NewS3(api S3API, bucket string, retry resilience.RetryConfig) *S3 {
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &S3{api: api, bucket: bucket, retry: retry}
}

// Bucket implements Store.
func (s *S3) Bucket() string { return s.bucket }

// List implements Store.
func (s *S3) List(ctx context.Context, prefix string, max int, keep func(string) bool) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return keys, eris.Wrapf(err, "s3: list s3://%s/%s", s.bucket, prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if keep != nil && !keep(key) {
				continue
			}
			keys = append(keys, key)
			if max > 0 && len(keys) >= max {
				return keys, nil
			}
		}
	}
	zap.L().Debug("s3: listed objects",
		zap.String("bucket", s.bucket),
		zap.String("prefix", prefix),
		zap.Int("count", len(keys)),
	)
	return keys, nil
}

// Download implements Store.
func (s *S3) Download(ctx context.Context, key, dir string) (string, error) {
	dest := filepath.Join(dir, localName(key))
	retry := s.retry
	retry.OnRetry = resilience.RetryLogger("s3", "get_object")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(dest)
		if err != nil {
			return eris.Wrap(err, "s3: create local file")
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			_ = f.Close()
			return eris.Wrap(err, "s3: write local file")
		}
		return f.Close()
	})
	if err != nil {
		return "", eris.Wrapf(err, "s3: download s3://%s/%s", s.bucket, key)
	}
	return dest, nil
}

// Upload implements Store.
func (s *S3) Upload(ctx context.Context, localPath, key string) error {
	retry := s.retry
	retry.OnRetry = resilience.RetryLogger("s3", "put_object")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return eris.Wrap(err, "s3: open local file")
		}
		defer f.Close()
		_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "s3: upload s3://%s/%s", s.bucket, key)
	}
	zap.L().Info("s3: uploaded document", zap.String("bucket", s.bucket), zap.String("key", key))
	return nil
}

var _ Store = (*S3)(nil)
