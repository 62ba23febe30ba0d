// Package blobstore abstracts the object storage a BlobDevice keeps container
// blocks in.
//
// Implementations must be safe for concurrent use.
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: a directory on the local file system
//   - s3.Store, s3.DDBCommitStore: Amazon S3, optionally with DynamoDB
//     guarding the CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible servers
package blobstore
