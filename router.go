package vectorlite

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/cssvb94/VectorLiteDB/blobstore"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/resource"
)

// Router fans a store across independent cores, routing each entry to one
// core by id hash. Writes on different shards proceed in parallel;
// searches fan out to every shard and merge.
//
// Relations stay within the shard that stores their source entry:
// reciprocity maintenance and traversal only see targets on the same
// shard. Cross-shard relations behave like dangling ones: kept, never
// followed.
type Router struct {
	cores      []*Store
	logger     *Logger
	metrics    MetricsCollector
	rc         *resource.Controller
	memBlobs   *blobstore.MemoryStore
	blobStores map[string]blobstore.BlobStore

	closed atomic.Bool
}

// OpenSharded opens shardCount cores and routes between them. File-backed
// cores live at basePath_0.db .. basePath_{N-1}.db; "dynamodb://TABLE"
// fans out to TABLE_0 .. TABLE_{N-1}; "" and ":memory:" stay volatile.
// Options apply to every core.
func OpenSharded(shardCount int, basePath string, optFns ...Option) (*Router, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", ErrInvalidArgument, shardCount)
	}

	opts := applyOptions(optFns)

	r := &Router{
		cores:      make([]*Store, 0, shardCount),
		logger:     opts.logger,
		metrics:    opts.metricsCollector,
		rc:         resource.NewController(opts.resourceConfig),
		memBlobs:   blobstore.NewMemoryStore(),
		blobStores: opts.blobStores,
	}

	for i := range shardCount {
		core, err := Open(shardConnString(basePath, i), optFns...)
		if err != nil {
			for _, c := range r.cores {
				_ = c.Close()
			}
			return nil, fmt.Errorf("opening shard %d: %w", i, err)
		}
		r.cores = append(r.cores, core)
	}

	return r, nil
}

func shardConnString(basePath string, shard int) string {
	switch {
	case basePath == "" || basePath == ":memory:":
		return ":memory:"
	case strings.HasPrefix(basePath, dynamoScheme):
		return fmt.Sprintf("%s_%d", basePath, shard)
	default:
		return fmt.Sprintf("%s_%d.db", basePath, shard)
	}
}

// ShardCount returns the number of cores behind the router.
func (r *Router) ShardCount() int {
	return len(r.cores)
}

// shardOf routes an id by FNV-1a hash: the 32-bit sum read as a signed
// int32, absolute value, mod shard count. The widening to int64 keeps the
// absolute value defined when the hash lands on MinInt32.
func (r *Router) shardOf(id string) *Store {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	v := int64(int32(h.Sum32()))
	if v < 0 {
		v = -v
	}
	return r.cores[int(v%int64(len(r.cores)))]
}

// Add routes the entry to its shard by id, assigning a fresh UUID first
// when the id is empty so the routing hash has something to chew on.
func (r *Router) Add(ctx context.Context, entry *knowledge.Entry) (string, error) {
	start := time.Now()

	id, err := r.addOne(ctx, entry)
	err = translateError(err)

	dimension := 0
	if entry != nil {
		dimension = len(entry.Embedding)
	}
	r.metrics.RecordAdd(time.Since(start), err)
	r.logger.LogAdd(ctx, id, dimension, err)

	return id, err
}

func (r *Router) addOne(ctx context.Context, entry *knowledge.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("%w: entry must not be nil", ErrInvalidArgument)
	}
	if r.closed.Load() {
		return "", ErrClosed
	}

	e := entry
	if e.ID == "" {
		e = entry.Clone()
		e.ID = knowledge.NewID()
	}
	return r.shardOf(e.ID).add(ctx, e)
}

// AddBatch routes entries to their shards one at a time; the first
// failure stops the batch and prior entries stay.
func (r *Router) AddBatch(ctx context.Context, entries []*knowledge.Entry) ([]string, error) {
	start := time.Now()

	ids := make([]string, 0, len(entries))
	var err error
	for _, entry := range entries {
		var id string
		if id, err = r.addOne(ctx, entry); err != nil {
			break
		}
		ids = append(ids, id)
	}
	err = translateError(err)

	r.metrics.RecordBatchAdd(len(entries), len(entries)-len(ids), time.Since(start))
	r.logger.LogBatchAdd(ctx, len(entries), len(entries)-len(ids))

	return ids, err
}

// Get fetches the entry from its shard. Soft-deleted entries are
// reported as missing.
func (r *Router) Get(ctx context.Context, id string) (*knowledge.Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.shardOf(id).Get(ctx, id)
}

// Search fans the request out to every shard in parallel, merges the
// shard results, and keeps the global top K. Traversal stays local to
// each shard.
func (r *Router) Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	start := time.Now()

	results, err := r.searchFanOut(ctx, req)
	err = translateError(err)

	r.metrics.RecordSearch(req.K, time.Since(start), err)
	r.logger.LogSearch(ctx, req.K, len(results), err)

	return results, err
}

func (r *Router) searchFanOut(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if req.K < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", ErrInvalidArgument, req.K)
	}
	k := req.K
	if k == 0 {
		k = knowledge.DefaultK
	}

	perShard := make([][]knowledge.SearchResult, len(r.cores))
	g, gctx := errgroup.WithContext(ctx)
	for i, core := range r.cores {
		g.Go(func() error {
			hits, err := core.search(gctx, req)
			if err != nil {
				return err
			}
			perShard[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := slices.Concat(perShard...)
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Similarity > merged[b].Similarity
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// MarkForDeletion soft-deletes the entry on its shard.
func (r *Router) MarkForDeletion(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	core := r.shardOf(id)

	err := translateError(core.markForDeletion(ctx, id))

	r.metrics.RecordDelete(time.Since(start), err)
	r.logger.LogDelete(ctx, id, err)

	if err == nil && core.opts.autoRebuild {
		core.maybeAutoRebuild(ctx)
	}

	return err
}

// ClearDeletedFlags restores soft-deleted entries on every shard and
// returns the total restored.
func (r *Router) ClearDeletedFlags(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	counts := make([]int, len(r.cores))
	g, gctx := errgroup.WithContext(ctx)
	for i, core := range r.cores {
		g.Go(func() error {
			n, err := core.ClearDeletedFlags(gctx)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// DeletedCount sums soft-deleted rows across shards.
func (r *Router) DeletedCount(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	total := 0
	for _, core := range r.cores {
		n, err := core.DeletedCount(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ShouldRebuild reports whether any shard wants a rebuild.
func (r *Router) ShouldRebuild(ctx context.Context) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}

	for _, core := range r.cores {
		due, err := core.ShouldRebuild(ctx)
		if err != nil {
			return false, err
		}
		if due {
			return true, nil
		}
	}
	return false, nil
}

// RebuildIndex rebuilds every shard's vector index in parallel and purges
// their soft-deleted rows.
func (r *Router) RebuildIndex(ctx context.Context) error {
	start := time.Now()

	err := translateError(r.rebuildAll(ctx))

	took := time.Since(start)
	indexed := 0
	for _, core := range r.cores {
		indexed += core.index.Count()
	}
	r.metrics.RecordRebuild(took, err)
	r.logger.LogRebuild(ctx, indexed, took, err)

	return err
}

func (r *Router) rebuildAll(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, core := range r.cores {
		g.Go(func() error { return core.rebuildIndex(gctx) })
	}
	return g.Wait()
}

// PurgeDeleted permanently removes soft-deleted rows on every shard and
// returns the total purged.
func (r *Router) PurgeDeleted(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	counts := make([]int, len(r.cores))
	g, gctx := errgroup.WithContext(ctx)
	for i, core := range r.cores {
		g.Go(func() error {
			n, err := core.PurgeDeleted(gctx)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// ImportJSON parses the file once, then routes each entry to its shard.
// A malformed file leaves every shard unchanged.
func (r *Router) ImportJSON(ctx context.Context, path string) error {
	start := time.Now()

	count, err := r.importJSON(ctx, path)
	err = translateError(err)

	r.metrics.RecordImport(count, time.Since(start), err)
	r.logger.LogImport(ctx, path, count, err)

	return err
}

func (r *Router) importJSON(ctx context.Context, path string) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	t, err := resolveBlobPath(path, r.blobStores, r.memBlobs)
	if err != nil {
		return 0, err
	}

	var data []byte
	err = readBlob(ctx, t, r.rc, func(rd io.Reader) error {
		var rerr error
		data, rerr = io.ReadAll(rd)
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
		if _, err := r.addOne(ctx, e); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// ExportJSON writes all entries from every shard into one JSON array, in
// shard order.
func (r *Router) ExportJSON(ctx context.Context, path string) error {
	start := time.Now()

	count, err := r.exportJSON(ctx, path)
	err = translateError(err)

	r.metrics.RecordExport(count, time.Since(start), err)
	r.logger.LogExport(ctx, path, count, err)

	return err
}

func (r *Router) exportJSON(ctx context.Context, path string) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	t, err := resolveBlobPath(path, r.blobStores, r.memBlobs)
	if err != nil {
		return 0, err
	}

	entries := []*knowledge.Entry{}
	for _, core := range r.cores {
		shard, err := core.allEntries(ctx)
		if err != nil {
			return 0, err
		}
		entries = append(entries, shard...)
	}

	data, err := gojson.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, err
	}

	err = writeBlob(ctx, t, r.rc, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Stats merges shard statistics: totals and sizes sum, uptime and
// timestamps take the max, averages weight by per-shard search counts.
func (r *Router) Stats(ctx context.Context) (knowledge.Stats, error) {
	if r.closed.Load() {
		return knowledge.Stats{}, ErrClosed
	}

	merged := knowledge.Stats{
		MetadataCategoryCounts: make(map[string]int64),
		TagDistribution:        make(map[string]int64),
	}
	var weightedTimeMS, weightedRecall float64

	for _, core := range r.cores {
		st, err := core.Stats(ctx)
		if err != nil {
			return knowledge.Stats{}, err
		}

		merged.TotalEntries += st.TotalEntries
		merged.IndexSize += st.IndexSize
		merged.HNSWIndexSize += st.HNSWIndexSize
		merged.MemoryUsage += st.MemoryUsage
		merged.DatabaseSizeBytes += st.DatabaseSizeBytes
		merged.ActiveConnections += st.ActiveConnections
		merged.TotalSearches += st.TotalSearches

		if st.Uptime > merged.Uptime {
			merged.Uptime = st.Uptime
		}
		if st.LastUpdated.After(merged.LastUpdated) {
			merged.LastUpdated = st.LastUpdated
		}
		if st.LastIndexRebuild != nil &&
			(merged.LastIndexRebuild == nil || st.LastIndexRebuild.After(*merged.LastIndexRebuild)) {
			t := *st.LastIndexRebuild
			merged.LastIndexRebuild = &t
		}

		weightedTimeMS += st.AverageSearchTimeMS * float64(st.TotalSearches)
		weightedRecall += st.AverageRecall * float64(st.TotalSearches)

		for k, v := range st.MetadataCategoryCounts {
			merged.MetadataCategoryCounts[k] += v
		}
		for k, v := range st.TagDistribution {
			merged.TagDistribution[k] += v
		}
	}

	if merged.TotalSearches > 0 {
		merged.AverageSearchTimeMS = weightedTimeMS / float64(merged.TotalSearches)
		merged.AverageRecall = weightedRecall / float64(merged.TotalSearches)
	} else {
		merged.AverageRecall = 1
	}

	if len(merged.MetadataCategoryCounts) == 0 {
		merged.MetadataCategoryCounts = nil
	}
	if len(merged.TagDistribution) == 0 {
		merged.TagDistribution = nil
	}

	return merged, nil
}

// Close closes every shard; errors are joined. Safe to call more than
// once.
func (r *Router) Close() error {
	if r == nil {
		return nil
	}
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, core := range r.cores {
		if err := core.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
