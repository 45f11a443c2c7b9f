package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// ObjectStore keeps objects in a single S3 bucket, using the logical bucket
// name as a key prefix.
type ObjectStore struct {
	s3Client *s3.Client
	bucket   string
	baseURL  string
}

// NewObjectStore creates an S3-based object store. When baseURL is empty the
// virtual-hosted bucket URL is used for public links.
func NewObjectStore(ctx context.Context, bucketName, baseURL string) (*ObjectStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucketName, cfg.Region)
	}

	return &ObjectStore{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

func objectKey(bucket, path string) string {
	return bucket + "/" + strings.TrimLeft(path, "/")
}

func (s *ObjectStore) Upload(ctx context.Context, bucket, path string, data []byte, opts core.UploadOptions) (string, error) {
	key := objectKey(bucket, path)

	if !opts.Upsert {
		_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return "", fmt.Errorf("upload %s: %w", key, core.ErrObjectExists)
		}
		var notFound *s3types.NotFound
		if !errors.As(err, &notFound) {
			return "", fmt.Errorf("failed to check object %s: %w", key, err)
		}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{"key": key, "size": len(data)}).Info("Object uploaded to S3")
	return path, nil
}

func (s *ObjectStore) PublicURL(bucket, path string) string {
	return s.baseURL + "/" + objectKey(bucket, path)
}

func (s *ObjectStore) Remove(ctx context.Context, bucket string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	objects := make([]s3types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(objectKey(bucket, p))})
	}

	out, err := s.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("failed to delete %d objects, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}
