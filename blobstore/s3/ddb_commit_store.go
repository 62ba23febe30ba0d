package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/fractal/blobstore"
)

// currentName is the pointer blob a BlobDevice rewrites on every
// checkpoint.
const currentName = "CURRENT"

// ErrConcurrentModification is returned when another writer committed a
// CURRENT pointer first.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DDBCommitStore stores blobs in S3 but keeps every CURRENT pointer in
// DynamoDB. Each pointer update is a conditional write of the next version,
// so two processes checkpointing the same container cannot silently
// overwrite each other's header.
//
// Table schema:
//   - Partition key: base_uri (string), the S3 location of the container
//   - Sort key: version (number), increasing per commit
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name fractal-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	store     blobstore.BlobStore
	ddbClient DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.BlobStore = (*DDBCommitStore)(nil)

// NewDDBCommitStore wraps store. baseURI ("s3://bucket/prefix/") scopes the
// pointers of this store within the table.
func NewDDBCommitStore(store blobstore.BlobStore, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		store:     store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// partition returns the partition key for a CURRENT name, or false for
// other blobs.
func (s *DDBCommitStore) partition(name string) (string, bool) {
	dir, file := path.Split(name)
	if file != currentName {
		return "", false
	}
	return s.baseURI + dir, true
}

// Open opens a blob. CURRENT pointers are served from DynamoDB.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	uri, ok := s.partition(name)
	if !ok {
		return s.store.Open(ctx, name)
	}
	version, target, err := s.latest(ctx, uri)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return &pointerBlob{content: []byte(target)}, nil
}

// Put writes a blob. CURRENT pointers are committed with a conditional
// write and fail with ErrConcurrentModification on a lost race.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	uri, ok := s.partition(name)
	if !ok {
		return s.store.Put(ctx, name, data)
	}
	return s.commit(ctx, uri, string(data))
}

// Delete removes a blob. Deleting a CURRENT pointer drops its history.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	uri, ok := s.partition(name)
	if !ok {
		return s.store.Delete(ctx, name)
	}
	for {
		version, _, err := s.latest(ctx, uri)
		if err != nil || version == 0 {
			return err
		}
		if err := s.deleteVersion(ctx, uri, version); err != nil {
			return err
		}
	}
}

// List lists the S3 blobs. CURRENT pointers live in DynamoDB and are not
// listed.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}

func (s *DDBCommitStore) latest(ctx context.Context, uri string) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: uri},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit table: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: invalid version attribute in commit table")
	}
	targetAttr, ok := item["target"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: invalid target attribute in commit table")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse version: %w", err)
	}
	return version, targetAttr.Value, nil
}

func (s *DDBCommitStore) commit(ctx context.Context, uri, target string) error {
	current, _, err := s.latest(ctx, uri)
	if err != nil {
		return err
	}
	next := current + 1

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: uri},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"target":   &types.AttributeValueMemberS{Value: target},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit version %d: %w", next, err)
	}

	// Keep the previous version for readers that raced the commit.
	if next > 2 {
		_ = s.deleteVersion(ctx, uri, next-2)
	}
	return nil
}

func (s *DDBCommitStore) deleteVersion(ctx context.Context, uri string, version uint64) error {
	_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: uri},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
		},
	})
	return err
}

// pointerBlob serves a CURRENT pointer read from DynamoDB.
type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) Size() int64 { return int64(len(b.content)) }

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
