package vectorlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/cssvb94/VectorLiteDB/blobstore"
	"github.com/cssvb94/VectorLiteDB/codec"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/docstore/dynamo"
	"github.com/cssvb94/VectorLiteDB/docstore/sqlite"
	"github.com/cssvb94/VectorLiteDB/engine"
	"github.com/cssvb94/VectorLiteDB/index/hnsw"
	"github.com/cssvb94/VectorLiteDB/internal/cache"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/pk"
	"github.com/cssvb94/VectorLiteDB/resource"
)

const (
	// rebuildDeletedThreshold is the absolute tombstone count past which
	// ShouldRebuild reports true.
	rebuildDeletedThreshold = 1000

	// rebuildDeletedRatio is the tombstone share of all rows past which
	// ShouldRebuild reports true.
	rebuildDeletedRatio = 0.1

	// pcaMinSamples is the embedded-entry count below which the embedding
	// statistics artifact is not computed and Stats.IndexSize stays 0.
	pcaMinSamples = 10

	dynamoScheme = "dynamodb://"
)

// Store is a single-core knowledge store: one document store holding the
// entries, one HNSW index over their embeddings, one filter index over
// their metadata and tags, and the search engine composing the three.
//
// Writers serialize on an internal mutex; searches and stats run
// concurrently with writers against component-level locks. A search that
// begins after Add returns sees the added entry.
type Store struct {
	opts     options
	codec    codec.Codec
	docs     docstore.Store
	index    *hnsw.Index
	filter   *engine.Filter
	slots    *pk.Map
	eng      *engine.Engine
	cache    *cache.EntryCache
	rc       *resource.Controller
	memBlobs *blobstore.MemoryStore
	logger   *Logger
	metrics  MetricsCollector

	mu sync.Mutex // serializes writers

	closed  atomic.Bool
	deleted atomic.Int64 // soft-deleted rows awaiting rebuild or purge

	openedAt time.Time

	statsMu     sync.Mutex
	lastUpdated time.Time
	lastRebuild *time.Time

	bg             sync.WaitGroup
	rebuildPending atomic.Bool
}

// Open opens or creates a store at connString and replays its contents
// into the in-memory index structures.
//
// Recognized connection strings:
//   - "" or ":memory:"   volatile in-memory store
//   - "dynamodb://TABLE" DynamoDB-backed store
//   - anything else      sqlite file at that path
func Open(connString string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)

	if opts.dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidArgument, opts.dimension)
	}

	c := opts.codec
	if c == nil {
		c = codec.Default
	}
	if opts.encryptionPassword != "" {
		enc, err := codec.NewEncrypted(c, opts.encryptionPassword)
		if err != nil {
			return nil, err
		}
		c = enc
	}

	docs, err := openDocStore(connString, c, opts)
	if err != nil {
		return nil, err
	}

	index, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = opts.dimension
		o.M = opts.m
		o.EFConstruction = opts.efConstruction
		o.EFSearch = opts.efSearch
		o.ExpectedCapacity = opts.expectedCapacity
		o.RandomSeed = opts.randomSeed
	})
	if err != nil {
		_ = docs.Close()
		return nil, err
	}

	s := &Store{
		opts:     opts,
		codec:    c,
		docs:     docs,
		index:    index,
		filter:   engine.NewFilter(),
		slots:    pk.New(),
		rc:       resource.NewController(opts.resourceConfig),
		memBlobs: blobstore.NewMemoryStore(),
		logger:   opts.logger,
		metrics:  opts.metricsCollector,
		openedAt: time.Now(),
	}
	if opts.entryCacheSize > 0 {
		s.cache = cache.NewEntryCache(opts.entryCacheSize, s.rc)
	}
	s.eng = engine.New(entrySource{s}, index, s.filter, s.slots, func(o *engine.Options) {
		o.AutoNormalize = opts.autoNormalize
		o.Logger = s.logger.Logger
	})

	if err := s.load(context.Background()); err != nil {
		_ = docs.Close()
		return nil, err
	}

	return s, nil
}

func openDocStore(connString string, c codec.Codec, opts options) (docstore.Store, error) {
	switch {
	case connString == "" || connString == ":memory:":
		return docstore.NewMemory(), nil

	case strings.HasPrefix(connString, dynamoScheme):
		table := strings.TrimPrefix(connString, dynamoScheme)
		if table == "" {
			return nil, fmt.Errorf("%w: dynamodb connection string needs a table name", ErrInvalidArgument)
		}
		client := opts.dynamoClient
		if client == nil {
			cfg, err := awsconfig.LoadDefaultConfig(context.Background())
			if err != nil {
				return nil, fmt.Errorf("loading aws config: %w", err)
			}
			client = dynamodb.NewFromConfig(cfg)
		}
		return dynamo.New(context.Background(), client, table, c)

	default:
		return sqlite.New(connString, c)
	}
}

// load replays the document store into the in-memory components: slot
// assignments, filter postings, vector index, tombstone counter.
func (s *Store) load(ctx context.Context) error {
	var lastUpdated time.Time

	for e, err := range s.docs.All(ctx) {
		if err != nil {
			return err
		}
		if len(e.Embedding) > 0 && len(e.Embedding) != s.opts.dimension {
			return fmt.Errorf("entry %s: %w", e.ID,
				&ErrDimensionMismatch{Expected: s.opts.dimension, Actual: len(e.Embedding)})
		}

		slot := s.slots.Assign(e.ID)
		s.filter.Index(slot, e)

		if e.IsDeleted {
			s.deleted.Add(1)
		} else if len(e.Embedding) > 0 {
			if err := s.index.Add(e.ID, e.Embedding); err != nil {
				return err
			}
		}

		if e.UpdatedAt.After(lastUpdated) {
			lastUpdated = e.UpdatedAt
		}
	}

	s.statsMu.Lock()
	s.lastUpdated = lastUpdated
	s.statsMu.Unlock()

	return nil
}

// entrySource adapts the cache-fronted lookup to the search engine, which
// needs tombstoned entries and raw docstore errors.
type entrySource struct{ s *Store }

func (es entrySource) Get(ctx context.Context, id string) (*knowledge.Entry, error) {
	return es.s.lookupEntry(ctx, id)
}

// lookupEntry returns the stored entry, soft-deleted included.
func (s *Store) lookupEntry(ctx context.Context, id string) (*knowledge.Entry, error) {
	if s.cache != nil {
		if e, ok := s.cache.Get(id); ok {
			return e, nil
		}
	}

	e, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(e)
	}
	return e, nil
}

func (s *Store) cacheSet(e *knowledge.Entry) {
	if s.cache != nil {
		s.cache.Set(e)
	}
}

func (s *Store) cacheRemove(id string) {
	if s.cache != nil {
		s.cache.Remove(id)
	}
}

// Add inserts or replaces an entry and returns its id. Entries without an
// id get a fresh UUID. Replacing preserves CreatedAt; UpdatedAt always
// advances. For every relation whose target exists, the reciprocal edge
// (same weight, inverse type) is appended to the target unless one already
// points back; relations to missing targets are kept as-is and skipped.
func (s *Store) Add(ctx context.Context, entry *knowledge.Entry) (string, error) {
	start := time.Now()

	id, err := s.add(ctx, entry)
	err = translateError(err)

	dimension := 0
	if entry != nil {
		dimension = len(entry.Embedding)
	}

	s.metrics.RecordAdd(time.Since(start), err)
	s.logger.LogAdd(ctx, id, dimension, err)

	return id, err
}

func (s *Store) add(ctx context.Context, entry *knowledge.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("%w: entry must not be nil", ErrInvalidArgument)
	}
	if s.closed.Load() {
		return "", ErrClosed
	}

	e := entry.Clone()
	if e.ID == "" {
		e.ID = knowledge.NewID()
	}

	if len(e.Embedding) > 0 && len(e.Embedding) != s.opts.dimension {
		return e.ID, &ErrDimensionMismatch{Expected: s.opts.dimension, Actual: len(e.Embedding)}
	}

	now := time.Now()
	for i := range e.Relations {
		e.Relations[i].Weight = knowledge.ClampWeight(e.Relations[i].Weight)
		if e.Relations[i].CreatedAt.IsZero() {
			e.Relations[i].CreatedAt = now
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *knowledge.Entry
	if existing, err := s.docs.Get(ctx, e.ID); err == nil {
		prev = existing
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return e.ID, err
	}

	if prev != nil {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := s.docs.Put(ctx, e); err != nil {
		return e.ID, err
	}

	slot := s.slots.Assign(e.ID)
	s.filter.Index(slot, e)

	if len(e.Embedding) > 0 && !e.IsDeleted {
		if err := s.index.Add(e.ID, e.Embedding); err != nil {
			return e.ID, err
		}
	} else {
		s.index.Remove(e.ID)
	}

	s.cacheSet(e)

	wasDeleted := prev != nil && prev.IsDeleted
	switch {
	case e.IsDeleted && !wasDeleted:
		s.deleted.Add(1)
	case !e.IsDeleted && wasDeleted:
		s.deleted.Add(-1)
	}

	if err := s.maintainReciprocity(ctx, e, now); err != nil {
		return e.ID, err
	}

	s.touch(now)
	return e.ID, nil
}

// maintainReciprocity appends the inverse edge on every resolvable
// relation target. An existing edge of the inverse type wins. Caller holds
// the writer lock.
func (s *Store) maintainReciprocity(ctx context.Context, e *knowledge.Entry, now time.Time) error {
	for _, rel := range e.Relations {
		tgt, err := s.docs.Get(ctx, rel.TargetID)
		if errors.Is(err, docstore.ErrNotFound) {
			s.logger.DebugContext(ctx, "relation target missing, skipping reciprocal edge",
				"id", e.ID,
				"target", rel.TargetID,
				"type", rel.Type,
			)
			continue
		}
		if err != nil {
			return err
		}

		inverse := knowledge.InverseRelationType(rel.Type)
		if tgt.HasRelation(e.ID, inverse) {
			continue
		}

		tgt.Relations = append(tgt.Relations, knowledge.Relation{
			TargetID:  e.ID,
			Weight:    rel.Weight,
			Type:      inverse,
			CreatedAt: now,
		})
		tgt.UpdatedAt = now

		if err := s.docs.Put(ctx, tgt); err != nil {
			return err
		}
		s.cacheSet(tgt)
	}
	return nil
}

// AddBatch adds entries sequentially and returns the ids of those that
// made it in. The first failure stops the batch; prior entries stay.
func (s *Store) AddBatch(ctx context.Context, entries []*knowledge.Entry) ([]string, error) {
	start := time.Now()

	ids := make([]string, 0, len(entries))
	var err error
	for _, entry := range entries {
		var id string
		if id, err = s.add(ctx, entry); err != nil {
			break
		}
		ids = append(ids, id)
	}
	err = translateError(err)

	s.metrics.RecordBatchAdd(len(entries), len(entries)-len(ids), time.Since(start))
	s.logger.LogBatchAdd(ctx, len(entries), len(entries)-len(ids))

	return ids, err
}

// Get returns the entry for id. Soft-deleted entries are reported as
// missing. The returned entry is the caller's to mutate; it shares no
// state with the store.
func (s *Store) Get(ctx context.Context, id string) (*knowledge.Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	e, err := s.lookupEntry(ctx, id)
	if err != nil {
		return nil, translateError(err)
	}
	if e.IsDeleted {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Search runs the search pipeline: metadata/tag filtering, ANN or exact
// vector scoring, then relation traversal when the request asks for it.
func (s *Store) Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	start := time.Now()

	results, err := s.search(ctx, req)
	err = translateError(err)

	s.metrics.RecordSearch(req.K, time.Since(start), err)
	s.logger.LogSearch(ctx, req.K, len(results), err)

	return results, err
}

func (s *Store) search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.eng.Search(ctx, req)
}

// MarkForDeletion soft-deletes the entry: it disappears from Get and
// Search but stays in the document store until RebuildIndex or
// PurgeDeleted removes it for good. Re-deleting a deleted entry is a
// no-op; deleting a missing one is ErrNotFound.
func (s *Store) MarkForDeletion(ctx context.Context, id string) error {
	start := time.Now()

	err := translateError(s.markForDeletion(ctx, id))

	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogDelete(ctx, id, err)

	if err == nil && s.opts.autoRebuild {
		s.maybeAutoRebuild(ctx)
	}

	return err
}

func (s *Store) markForDeletion(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.IsDeleted {
		return nil
	}

	now := time.Now()
	e.IsDeleted = true
	e.DeletedAt = &now
	e.UpdatedAt = now

	if err := s.docs.Put(ctx, e); err != nil {
		return err
	}

	if slot, ok := s.slots.Lookup(id); ok {
		s.filter.MarkDeleted(slot)
	}
	s.index.Remove(id)
	s.cacheSet(e)
	s.deleted.Add(1)
	s.touch(now)
	return nil
}

// maybeAutoRebuild starts a background rebuild when the tombstone
// heuristic fires. At most one rebuild runs at a time, gated by both the
// pending flag and the resource controller's background budget.
func (s *Store) maybeAutoRebuild(ctx context.Context) {
	if !s.shouldRebuild() || !s.rebuildPending.CompareAndSwap(false, true) {
		return
	}
	if !s.rc.TryAcquireBackground() {
		s.rebuildPending.Store(false)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.rc.ReleaseBackground()
		defer s.rebuildPending.Store(false)

		if err := s.RebuildIndex(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.WarnContext(ctx, "auto rebuild failed", "error", err)
		}
	}()
}

// ClearDeletedFlags restores every soft-deleted entry: flags cleared,
// filter restored, embedding re-added to the vector index. Returns the
// number of entries restored.
func (s *Store) ClearDeletedFlags(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Buffer first: sqlite cannot take writes while a scan holds the
	// connection.
	var tombstoned []*knowledge.Entry
	for e, err := range s.docs.All(ctx) {
		if err != nil {
			return 0, translateError(err)
		}
		if e.IsDeleted {
			tombstoned = append(tombstoned, e)
		}
	}

	now := time.Now()
	restored := 0
	for _, e := range tombstoned {
		e.IsDeleted = false
		e.DeletedAt = nil
		e.UpdatedAt = now

		if err := s.docs.Put(ctx, e); err != nil {
			return restored, translateError(err)
		}

		if slot, ok := s.slots.Lookup(e.ID); ok {
			s.filter.Restore(slot)
		}
		if len(e.Embedding) > 0 {
			if err := s.index.Add(e.ID, e.Embedding); err != nil {
				return restored, translateError(err)
			}
		}

		s.cacheSet(e)
		s.deleted.Add(-1)
		restored++
	}

	if restored > 0 {
		s.touch(now)
	}
	return restored, nil
}

// DeletedCount returns the number of soft-deleted entries awaiting
// rebuild or purge.
func (s *Store) DeletedCount(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return int(s.deleted.Load()), nil
}

// ShouldRebuild reports whether tombstones have accumulated past the
// rebuild heuristic: more than 1000, or more than 10% of all rows.
func (s *Store) ShouldRebuild(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.shouldRebuild(), nil
}

func (s *Store) shouldRebuild() bool {
	deleted := s.deleted.Load()
	total := s.filter.LiveCount() + deleted
	return deleted > rebuildDeletedThreshold ||
		(total > 0 && float64(deleted) > rebuildDeletedRatio*float64(total))
}

// RebuildIndex rebuilds the vector index from the live id mappings in
// insertion order, then permanently removes soft-deleted rows.
// ClearDeletedFlags is the escape hatch for entries that must come back;
// after a rebuild there is nothing left to restore.
func (s *Store) RebuildIndex(ctx context.Context) error {
	start := time.Now()

	err := translateError(s.rebuildIndex(ctx))

	took := time.Since(start)
	s.metrics.RecordRebuild(took, err)
	s.logger.LogRebuild(ctx, s.index.Count(), took, err)

	return err
}

func (s *Store) rebuildIndex(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Rebuild(); err != nil {
		return err
	}

	if _, err := s.purgeLocked(ctx); err != nil {
		return err
	}

	now := time.Now()
	s.statsMu.Lock()
	s.lastRebuild = &now
	s.statsMu.Unlock()

	return nil
}

// PurgeDeleted permanently removes soft-deleted rows. Their filter slots
// are dropped; relations held by other entries that point at purged ids
// dangle and are skipped during traversal. Returns the number purged.
func (s *Store) PurgeDeleted(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	purged, err := s.purgeLocked(ctx)
	return purged, translateError(err)
}

func (s *Store) purgeLocked(ctx context.Context) (int, error) {
	var doomed []string
	for e, err := range s.docs.All(ctx) {
		if err != nil {
			return 0, err
		}
		if e.IsDeleted {
			doomed = append(doomed, e.ID)
		}
	}

	purged := 0
	for _, id := range doomed {
		if err := s.docs.Delete(ctx, id); err != nil {
			return purged, err
		}
		if slot, ok := s.slots.Lookup(id); ok {
			s.filter.Drop(slot)
		}
		s.cacheRemove(id)
		s.deleted.Add(-1)
		purged++
	}

	if purged > 0 {
		s.touch(time.Now())
	}
	return purged, nil
}

// Stats reports store-level statistics.
func (s *Store) Stats(ctx context.Context) (knowledge.Stats, error) {
	if s.closed.Load() {
		return knowledge.Stats{}, ErrClosed
	}

	idx := s.index.Stats()
	usage := s.eng.Usage()

	st := knowledge.Stats{
		TotalEntries:           s.filter.LiveCount(),
		HNSWIndexSize:          int64(idx.Live),
		MemoryUsage:            idx.MemoryBytes,
		Uptime:                 time.Since(s.openedAt),
		TotalSearches:          usage.TotalSearches,
		AverageRecall:          usage.AverageRecall,
		ActiveConnections:      1,
		MetadataCategoryCounts: s.filter.CategoryCounts(),
		TagDistribution:        s.filter.TagDistribution(),
	}

	if s.cache != nil {
		st.MemoryUsage += s.cache.Size()
	}
	if idx.Live >= pcaMinSamples {
		st.IndexSize = int64(min(idx.Dimension, idx.Live))
	}
	if usage.TotalSearches > 0 {
		st.AverageSearchTimeMS = float64(usage.TotalSearchTime.Nanoseconds()) /
			float64(usage.TotalSearches) / 1e6
	}

	s.statsMu.Lock()
	st.LastUpdated = s.lastUpdated
	if s.lastRebuild != nil {
		t := *s.lastRebuild
		st.LastIndexRebuild = &t
	}
	s.statsMu.Unlock()

	if sizer, ok := s.docs.(interface {
		SizeBytes(context.Context) (int64, error)
	}); ok {
		size, err := sizer.SizeBytes(ctx)
		if err != nil {
			return knowledge.Stats{}, translateError(err)
		}
		st.DatabaseSizeBytes = size
	}

	return st, nil
}

// allEntries snapshots every stored entry, tombstoned included, in
// first-write order.
func (s *Store) allEntries(ctx context.Context) ([]*knowledge.Entry, error) {
	var out []*knowledge.Entry
	for e, err := range s.docs.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) touch(t time.Time) {
	s.statsMu.Lock()
	if t.After(s.lastUpdated) {
		s.lastUpdated = t
	}
	s.statsMu.Unlock()
}

// Close waits for background work and releases the store. Further
// operations fail with ErrClosed. Safe to call more than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.bg.Wait()

	if s.cache != nil {
		s.cache.Purge()
	}

	return s.docs.Close()
}
