// Package blobstore abstracts where index snapshots and export archives live.
//
// BlobStore is the interface for reading and writing named blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap reads and atomic writes
//   - MemoryStore: in-memory store backing the mem:// target
//   - s3.Store: Amazon S3 with range reads and streaming uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//
// Custom backends implement BlobStore; cloud backends should serve ReadRange
// with ranged requests so large snapshots stream instead of buffering.
package blobstore
