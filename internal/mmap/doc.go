// Package mmap provides read-only memory-mapped file access.
//
// Memory mapping gives zero-copy access to file contents, which keeps
// snapshot loading cheap even when index files grow large. The package
// exposes a unified API across platforms:
//
//   - Unix (Linux, macOS, BSD): mmap(2)
//   - Windows: CreateFileMapping/MapViewOfFile
//
// A File is safe for concurrent reads. Callers must ensure no goroutine
// accesses Bytes() after Close() returns.
package mmap
