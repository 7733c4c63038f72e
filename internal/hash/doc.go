// Package hash provides hashing utilities for data integrity.
//
// Snapshot block checksums use CRC32-Castagnoli (CRC32C), the same
// polynomial S3, RocksDB and LevelDB use. Go's crc32 package picks up
// hardware instructions (SSE4.2, ARM CRC) automatically.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
package hash
