package vectorlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cssvb94/VectorLiteDB/blobstore"
	miniostore "github.com/cssvb94/VectorLiteDB/blobstore/minio"
	s3store "github.com/cssvb94/VectorLiteDB/blobstore/s3"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/resource"
)

// blobTarget is a resolved import/export destination.
type blobTarget struct {
	store blobstore.BlobStore
	name  string
	zstd  bool
}

// resolveBlobPath maps a path or URI to a blob store and a name within it.
// Plain paths go to the local filesystem, "mem://" to the store's private
// in-memory blobs, "s3://bucket/key" and "minio://bucket/key" to the
// respective object stores. Schemes registered via WithBlobStore take
// precedence over the built-ins. A ".zst" suffix layers zstd stream
// compression on top of whatever the path resolves to.
func resolveBlobPath(path string, registered map[string]blobstore.BlobStore, mem *blobstore.MemoryStore) (blobTarget, error) {
	t := blobTarget{zstd: strings.HasSuffix(path, ".zst")}

	scheme, rest, found := strings.Cut(path, "://")
	if !found {
		dir, name := filepath.Split(path)
		if name == "" {
			return blobTarget{}, fmt.Errorf("%w: blob path %q has no file name", ErrInvalidArgument, path)
		}
		if dir == "" {
			dir = "."
		}
		t.store = blobstore.NewLocalStore(dir)
		t.name = name
		return t, nil
	}

	if bs, ok := registered[scheme]; ok {
		t.store = bs
		t.name = rest
		return t, nil
	}

	switch scheme {
	case "mem":
		t.store = mem
		t.name = rest
		return t, nil

	case "s3":
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return blobTarget{}, fmt.Errorf("%w: s3 path must look like s3://bucket/key, got %q", ErrInvalidArgument, path)
		}
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return blobTarget{}, fmt.Errorf("loading aws config: %w", err)
		}
		t.store = s3store.NewStore(s3.NewFromConfig(cfg), bucket, "")
		t.name = key
		return t, nil

	case "minio":
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return blobTarget{}, fmt.Errorf("%w: minio path must look like minio://bucket/key, got %q", ErrInvalidArgument, path)
		}
		endpoint := os.Getenv("MINIO_ENDPOINT")
		if endpoint == "" {
			return blobTarget{}, fmt.Errorf("%w: minio scheme needs MINIO_ENDPOINT set or a store registered via WithBlobStore", ErrInvalidArgument)
		}
		client, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: true,
		})
		if err != nil {
			return blobTarget{}, fmt.Errorf("connecting to minio: %w", err)
		}
		t.store = miniostore.NewStore(client, bucket, "")
		t.name = key
		return t, nil

	default:
		return blobTarget{}, fmt.Errorf("%w: unknown blob scheme %q", ErrInvalidArgument, scheme)
	}
}

// writeBlob streams payload output to the target through the IO rate
// limiter, zstd-compressed when the path asks for it.
func writeBlob(ctx context.Context, t blobTarget, rc *resource.Controller, payload func(io.Writer) error) error {
	w, err := t.store.Create(ctx, t.name)
	if err != nil {
		return err
	}

	var out io.Writer = resource.NewRateLimitedWriter(ctx, w, rc)
	var zw *zstd.Encoder
	if t.zstd {
		if zw, err = zstd.NewWriter(out); err != nil {
			_ = w.Close()
			return err
		}
		out = zw
	}

	if err := payload(out); err != nil {
		_ = w.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// readBlob streams the blob through the IO rate limiter, decompressing
// when the path asks for it, and hands the reader to payload.
func readBlob(ctx context.Context, t blobTarget, rc *resource.Controller, payload func(io.Reader) error) error {
	b, err := t.store.Open(ctx, t.name)
	if err != nil {
		return err
	}
	defer b.Close()

	body, err := blobstore.Reader(ctx, b)
	if err != nil {
		return err
	}
	defer body.Close()

	var in io.Reader = resource.NewRateLimitedReader(ctx, body, rc)
	if t.zstd {
		zr, err := zstd.NewReader(in)
		if err != nil {
			return err
		}
		defer zr.Close()
		in = zr
	}

	return payload(in)
}

// ExportJSON writes every entry, soft-deleted included, as an indented
// JSON array to path. Exports are plain JSON even when the store encrypts
// at rest, so backups stay portable across stores and passwords.
func (s *Store) ExportJSON(ctx context.Context, path string) error {
	start := time.Now()

	count, err := s.exportJSON(ctx, path)
	err = translateError(err)

	s.metrics.RecordExport(count, time.Since(start), err)
	s.logger.LogExport(ctx, path, count, err)

	return err
}

func (s *Store) exportJSON(ctx context.Context, path string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	t, err := resolveBlobPath(path, s.opts.blobStores, s.memBlobs)
	if err != nil {
		return 0, err
	}

	entries, err := s.allEntries(ctx)
	if err != nil {
		return 0, err
	}
	if entries == nil {
		entries = []*knowledge.Entry{}
	}

	data, err := gojson.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, err
	}

	err = writeBlob(ctx, t, s.rc, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ImportJSON loads a JSON array of entries from path and adds each one
// through the full Add path, so reciprocal edges are repaired and
// re-importing an export is idempotent. The file is parsed completely
// before the first write; a malformed file leaves the store unchanged.
func (s *Store) ImportJSON(ctx context.Context, path string) error {
	start := time.Now()

	count, err := s.importJSON(ctx, path)
	err = translateError(err)

	s.metrics.RecordImport(count, time.Since(start), err)
	s.logger.LogImport(ctx, path, count, err)

	return err
}

func (s *Store) importJSON(ctx context.Context, path string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	t, err := resolveBlobPath(path, s.opts.blobStores, s.memBlobs)
	if err != nil {
		return 0, err
	}

	var data []byte
	err = readBlob(ctx, t, s.rc, func(r io.Reader) error {
		var rerr error
		data, rerr = io.ReadAll(r)
		return rerr
	})
	if err != nil {
		return 0, err
	}

	var entries []*knowledge.Entry
	if err := gojson.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %w", ErrInvalidArgument, path, err)
	}

	for i, e := range entries {
		if _, err := s.add(ctx, e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// SaveIndex writes a binary snapshot of the vector index to path.
// Restarts can LoadIndex instead of re-inserting every embedding.
func (s *Store) SaveIndex(ctx context.Context, path string) error {
	err := translateError(s.saveIndex(ctx, path))
	s.logger.LogSnapshot(ctx, "save", path, err)
	return err
}

func (s *Store) saveIndex(ctx context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	t, err := resolveBlobPath(path, s.opts.blobStores, s.memBlobs)
	if err != nil {
		return err
	}
	return writeBlob(ctx, t, s.rc, s.index.WriteSnapshot)
}

// LoadIndex replaces the vector index graph with a saved snapshot, then
// reconciles it against the document store: embeddings written since the
// snapshot are inserted, ids the snapshot should no longer carry are
// removed. Loading a snapshot from a store with a different dimension
// fails without touching the index.
func (s *Store) LoadIndex(ctx context.Context, path string) error {
	err := translateError(s.loadIndex(ctx, path))
	s.logger.LogSnapshot(ctx, "load", path, err)
	return err
}

func (s *Store) loadIndex(ctx context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	t, err := resolveBlobPath(path, s.opts.blobStores, s.memBlobs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := readBlob(ctx, t, s.rc, s.index.RestoreSnapshot); err != nil {
		return err
	}

	// Reconcile the restored graph with the current documents.
	snapshotIDs := make(map[string]struct{})
	for _, id := range s.index.IDs() {
		snapshotIDs[id] = struct{}{}
	}

	wanted := make(map[string]struct{})
	for e, err := range s.docs.All(ctx) {
		if err != nil {
			return err
		}
		if e.IsDeleted || len(e.Embedding) == 0 {
			continue
		}
		wanted[e.ID] = struct{}{}
		if _, ok := snapshotIDs[e.ID]; !ok {
			if err := s.index.Add(e.ID, e.Embedding); err != nil {
				return err
			}
		}
	}

	for id := range snapshotIDs {
		if _, ok := wanted[id]; !ok {
			s.index.Remove(id)
		}
	}

	return nil
}
