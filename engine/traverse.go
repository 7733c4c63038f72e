package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/cssvb94/VectorLiteDB/distance"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/knowledge"
)

// DefaultDecay is the per-hop similarity decay applied during relation
// traversal. Every hop multiplies the target's query similarity by this
// factor, so longer paths monotonically lose score.
const DefaultDecay = 0.95

// Traverser expands a seed result set breadth-first along entry relations.
//
// Targets score as query similarity decayed per hop and scaled by the edge
// weight, clamped at zero. Seeds keep their vector similarity at depth 0 and
// are never re-scored through an edge. Dangling and soft-deleted targets are
// skipped.
type Traverser struct {
	docs  EntrySource
	log   *slog.Logger
	decay float64
}

// NewTraverser creates a Traverser over docs. A nil logger discards the
// dangling-edge debug events.
func NewTraverser(docs EntrySource, log *slog.Logger) *Traverser {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Traverser{docs: docs, log: log, decay: DefaultDecay}
}

type traversalItem struct {
	id    string
	depth int
	src   string
	path  []string
}

// Expand runs the BFS from seeds and returns the combined result set, seeds
// included, sorted by similarity descending. maxDepth bounds the hop count
// from any seed and maxResults the total size of the returned set. Edges are
// visited in declaration order, so equal similarities keep a stable,
// reproducible order.
func (t *Traverser) Expand(ctx context.Context, q []float32, seeds []knowledge.SearchResult, maxDepth, maxResults int) ([]knowledge.SearchResult, error) {
	visited := make(map[string]struct{}, len(seeds)*2)
	results := make([]knowledge.SearchResult, 0, len(seeds))
	queue := make([]traversalItem, 0, len(seeds))

	for _, seed := range seeds {
		id := seed.Entry.ID
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		seed.TraversalDepth = 0
		seed.RelationPath = []string{id}
		results = append(results, seed)
		queue = append(queue, traversalItem{id: id, path: seed.RelationPath})
	}

	for len(queue) > 0 && len(results) < maxResults {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := queue[0]
		queue = queue[1:]
		if item.depth >= maxDepth {
			continue
		}

		cur, err := t.docs.Get(ctx, item.id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if cur.IsDeleted {
			continue
		}

		for i := range cur.Relations {
			rel := &cur.Relations[i]
			if _, ok := visited[rel.TargetID]; ok {
				continue
			}
			visited[rel.TargetID] = struct{}{}

			target, err := t.docs.Get(ctx, rel.TargetID)
			if err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					t.log.Debug("skipping dangling relation",
						"source", item.id, "target", rel.TargetID, "type", rel.Type)
					continue
				}
				return nil, err
			}
			if target.IsDeleted {
				continue
			}

			var sim float64
			if target.Embedding != nil {
				sim = float64(distance.CosineSimilarity(q, target.Embedding)) *
					math.Pow(t.decay, float64(item.depth+1)) * rel.Weight
				if sim < 0 {
					sim = 0
				}
			}

			src := item.src
			if src == "" {
				src = item.id
			}
			path := make([]string, 0, len(item.path)+1)
			path = append(append(path, item.path...), rel.TargetID)

			results = append(results, knowledge.SearchResult{
				Entry:          target,
				Similarity:     sim,
				TraversalDepth: item.depth + 1,
				SourceEntryID:  src,
				RelationPath:   path,
			})
			if len(results) >= maxResults {
				break
			}
			queue = append(queue, traversalItem{id: rel.TargetID, depth: item.depth + 1, src: item.id, path: path})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results, nil
}
