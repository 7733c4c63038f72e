package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cssvb94/VectorLiteDB/distance"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/index/hnsw"
	"github.com/cssvb94/VectorLiteDB/knowledge"
	"github.com/cssvb94/VectorLiteDB/pk"
)

const (
	// bruteForceThreshold is the candidate set (or index) size below which a
	// linear scan beats graph search and is exact for free.
	bruteForceThreshold = 1000

	// exactMatchFloor is the similarity cutoff applied when a request asks
	// for exact matches only.
	exactMatchFloor = 0.999

	// annRecallEstimate is the recall sample recorded for graph-served
	// searches. Brute-force searches record 1.0.
	annRecallEstimate = 0.99
)

// EntrySource resolves entry ids to full entries. Implementations return
// soft-deleted entries as-is (callers inspect IsDeleted) and
// docstore.ErrNotFound for ids that do not exist.
type EntrySource interface {
	Get(ctx context.Context, id string) (*knowledge.Entry, error)
}

// Options configures an Engine.
type Options struct {
	// AutoNormalize L2-normalizes query vectors before scoring. Zero vectors
	// pass through untouched.
	AutoNormalize bool

	// Logger receives debug events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions is the default Engine configuration.
var DefaultOptions = Options{
	AutoNormalize: true,
}

// Engine executes search requests against one shard: it intersects the
// request's metadata and tag constraints over the bitmap filter, runs vector
// search (exact or approximate) over the surviving candidates, optionally
// expands the hits along relations, and reranks the merged set.
type Engine struct {
	docs      EntrySource
	index     *hnsw.Index
	filter    *Filter
	slots     *pk.Map
	traverser *Traverser
	log       *slog.Logger

	autoNormalize bool

	mu               sync.Mutex
	totalSearches    int64
	totalSearchNanos int64
	recallSum        float64
}

// New creates an Engine over the given document source, vector index, bitmap
// filter, and id/slot map.
func New(docs EntrySource, index *hnsw.Index, filter *Filter, slots *pk.Map, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		docs:          docs,
		index:         index,
		filter:        filter,
		slots:         slots,
		traverser:     NewTraverser(docs, log),
		log:           log,
		autoNormalize: opts.AutoNormalize,
	}
}

// Search runs the full pipeline for req and returns at most req.K results,
// sorted by similarity descending. Cancelled contexts abort between stages
// without touching the usage counters.
func (e *Engine) Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchResult, error) {
	start := time.Now()

	if len(req.Query) == 0 {
		return nil, fmt.Errorf("%w: query vector must not be empty", ErrInvalidArgument)
	}

	if req.K < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", ErrInvalidArgument, req.K)
	}

	if dim := e.index.Dimension(); len(req.Query) != dim {
		return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(req.Query)}
	}

	req = req.WithDefaults()

	query := req.Query
	if e.autoNormalize {
		if normalized, ok := distance.NormalizeL2Copy(query); ok {
			query = normalized
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := e.filter.Apply(&req)

	// Oversample so that rank K survives the post-traversal rerank.
	kPrime := req.K * (req.TraversalDepth + 1)

	exact := req.UseExact ||
		candidates.GetCardinality() < bruteForceThreshold ||
		e.index.Count() < bruteForceThreshold

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		hits []hnsw.Candidate
		err  error
	)

	if exact {
		hits, err = e.index.Exact(query, kPrime, func(id string) bool {
			slot, ok := e.slots.Lookup(id)
			return ok && candidates.Contains(slot)
		})
	} else {
		hits, err = e.index.Query(query, kPrime, req.EFSearch)
	}
	if err != nil {
		return nil, err
	}

	results := make([]knowledge.SearchResult, 0, len(hits))

	for _, hit := range hits {
		if !exact {
			slot, ok := e.slots.Lookup(hit.ID)
			if !ok || !candidates.Contains(slot) {
				continue
			}
		}

		sim := float64(1 - hit.Distance)
		if req.UseExact && sim < exactMatchFloor {
			continue
		}

		entry, err := e.docs.Get(ctx, hit.ID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				// Index briefly ahead of the store; drop the stale hit.
				continue
			}
			return nil, err
		}
		if entry.IsDeleted {
			continue
		}

		results = append(results, knowledge.SearchResult{Entry: entry, Similarity: sim})
	}

	if req.TraversalDepth > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		depth := min(req.TraversalDepth, req.MaxDepth)

		results, err = e.traverser.Expand(ctx, query, results, depth, req.MaxTraversalResults)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > req.K {
		results = results[:req.K]
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recall := 1.0
	if !exact {
		recall = annRecallEstimate
	}

	e.mu.Lock()
	e.totalSearches++
	e.totalSearchNanos += time.Since(start).Nanoseconds()
	e.recallSum += recall
	e.mu.Unlock()

	return results, nil
}

// Usage is a snapshot of the engine's search counters.
type Usage struct {
	TotalSearches   int64
	TotalSearchTime time.Duration
	AverageRecall   float64
}

// Usage returns the counters accumulated by successful searches. AverageRecall
// is 1.0 before any search has run.
func (e *Engine) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()

	usage := Usage{
		TotalSearches:   e.totalSearches,
		TotalSearchTime: time.Duration(e.totalSearchNanos),
		AverageRecall:   1,
	}
	if e.totalSearches > 0 {
		usage.AverageRecall = e.recallSum / float64(e.totalSearches)
	}

	return usage
}
