package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hupe1980/fractal/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)

	prefix := fmt.Sprintf("test-fractal-%d/", time.Now().UnixNano())
	store := NewStore(s3.NewFromConfig(cfg), bucket, prefix)

	data := make([]byte, 1024*1024)
	_, _ = rand.Read(data)
	require.NoError(t, store.Put(ctx, "c/blk-1", data))

	b, err := store.Open(ctx, "c/blk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.Size())

	part := make([]byte, 4096)
	n, err := b.ReadAt(ctx, part, 1000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[1000:1000+n], part))
	require.NoError(t, b.Close())

	names, err := store.List(ctx, "c/")
	require.NoError(t, err)
	assert.Equal(t, []string{"c/blk-1"}, names)

	require.NoError(t, store.Delete(ctx, "c/blk-1"))
	_, err = store.Open(ctx, "c/blk-1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
