package s3

import (
	"bytes"
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hupe1980/fractal/blobstore"
)

// ErrConflict is returned when a conditional write finds the object
// already present.
var ErrConflict = errors.New("s3: object already exists")

// ExpressStore implements blobstore.BlobStore for S3 Express One Zone
// directory buckets (names ending in --azid--x-s3). Block writes are
// conditional, so a blob that already exists is never overwritten by a
// second writer.
type ExpressStore struct {
	*Store
}

var _ blobstore.BlobStore = (*ExpressStore)(nil)

// NewExpressStore creates a store on a directory bucket.
func NewExpressStore(client Client, bucket, rootPrefix string, opts ...Option) *ExpressStore {
	return &ExpressStore{Store: NewStore(client, bucket, rootPrefix, opts...)}
}

// PutIfNotExists writes a blob only if no object with that name exists.
// It returns ErrConflict otherwise.
func (s *ExpressStore) PutIfNotExists(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				return ErrConflict
			}
		}
		return err
	}
	return nil
}
