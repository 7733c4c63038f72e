// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := s3blob.NewStore(s3.NewFromConfig(cfg), "my-bucket", "knowledge/")
//	err = db.SaveIndex(ctx, store, "index.snap")
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Streaming multipart uploads with CRC32C validation
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
