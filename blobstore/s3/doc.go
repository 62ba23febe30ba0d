// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "envs/prod/")
//
//	env, err := fractal.Open(ctx, dir, fractal.WithBlobStore(store))
//
// To fence concurrent writers, wrap the store in a DDBCommitStore so every
// CURRENT pointer is committed through a DynamoDB conditional write:
//
//	commits := s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg),
//	    "fractal-commits", "s3://my-bucket/envs/prod/")
//
// # Features
//
//   - Ranged GETs, so partial node fetches read only the bytes they need
//   - Multipart uploads with CRC32C checksums for large blocks
//   - Automatic pagination for listing
//   - ExpressStore for S3 Express One Zone directory buckets
package s3
