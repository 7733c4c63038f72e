package knowledge

import "time"

// Search defaults applied to zero-valued request fields.
const (
	DefaultK                   = 10
	DefaultEFSearch            = 400
	DefaultMaxTraversalResults = 1000
	DefaultMaxDepth            = 5
)

// SearchRequest describes a single similarity search.
type SearchRequest struct {
	// Query is the query vector. It must be non-empty and match the store
	// dimension.
	Query []float32

	// K is the number of results to return. Zero means DefaultK; negative
	// values are rejected.
	K int

	// TraversalDepth enables relation traversal when > 0 and widens the
	// candidate pool to K*(TraversalDepth+1) before traversal.
	TraversalDepth int

	// Filters holds metadata equality predicates, ANDed together. Entries
	// lacking a filtered key never match.
	Filters map[string]Value

	// Tags match exactly; TagPrefixes match the prefix itself or any tag
	// below it ("AI/ML" matches "AI/ML/NeuralNetworks" but not "AI/MLops").
	// A single entry matches when any requested tag or prefix matches.
	Tags        []string
	TagPrefixes []string

	// UseExact forces a brute-force scan and drops results below 0.999
	// similarity.
	UseExact bool

	// EFSearch overrides the index beam width for this request. Zero means
	// DefaultEFSearch.
	EFSearch int

	// MaxTraversalResults caps the traversal result set. Zero means
	// DefaultMaxTraversalResults.
	MaxTraversalResults int

	// MaxDepth caps TraversalDepth. Zero means DefaultMaxDepth.
	MaxDepth int
}

// WithDefaults returns a copy of the request with zero-valued knobs replaced
// by their defaults. Negative K is left untouched for validation to reject.
func (r SearchRequest) WithDefaults() SearchRequest {
	if r.K == 0 {
		r.K = DefaultK
	}
	if r.EFSearch <= 0 {
		r.EFSearch = DefaultEFSearch
	}
	if r.MaxTraversalResults <= 0 {
		r.MaxTraversalResults = DefaultMaxTraversalResults
	}
	if r.MaxDepth <= 0 {
		r.MaxDepth = DefaultMaxDepth
	}
	return r
}

// SearchResult is a single scored hit.
type SearchResult struct {
	Entry *Entry

	// Similarity is the cosine similarity for vector hits, or the decayed
	// relation score for traversal hits. Never negative.
	Similarity float64

	// TraversalDepth is 0 for direct vector hits and the BFS depth for
	// entries reached through relations.
	TraversalDepth int

	// SourceEntryID names the entry the traversal expanded to reach this
	// hit: the seed for depth-1 hits, the hop before the immediate parent
	// deeper in. Empty for direct vector hits.
	SourceEntryID string

	// RelationPath is the id chain from the seed to this entry, inclusive.
	// Nil for direct vector hits.
	RelationPath []string
}

// Stats is a point-in-time snapshot of store health and usage.
type Stats struct {
	// TotalEntries counts live (non-deleted) entries.
	TotalEntries int64 `json:"TotalEntries"`

	// IndexSize is the PCA component count of the embedding statistics
	// artifact, or 0 while fewer than ten embedded entries exist.
	IndexSize int64 `json:"IndexSize"`

	// HNSWIndexSize counts ids currently mapped by the vector index.
	HNSWIndexSize int64 `json:"HnswIndexSize"`

	// MemoryUsage is an estimate in bytes covering the index graph and
	// cached documents.
	MemoryUsage int64 `json:"MemoryUsage"`

	LastUpdated      time.Time  `json:"LastUpdated"`
	LastIndexRebuild *time.Time `json:"LastIndexRebuild,omitempty"`

	// Uptime measures time since the store was opened.
	Uptime time.Duration `json:"Uptime"`

	TotalSearches       int64   `json:"TotalSearches"`
	AverageSearchTimeMS float64 `json:"AverageSearchTimeMs"`

	// AverageRecall averages per-search recall samples: 1.0 for exact
	// scans, the construction-time estimate for index-served searches.
	AverageRecall float64 `json:"AverageRecall"`

	DatabaseSizeBytes int64 `json:"DatabaseSizeBytes"`

	// ActiveConnections is 1 per open core; routers report the sum.
	ActiveConnections int64 `json:"ActiveConnections"`

	// MetadataCategoryCounts counts live entries per value of the
	// "category" metadata key.
	MetadataCategoryCounts map[string]int64 `json:"MetadataCategoryCounts,omitempty"`

	// TagDistribution counts live entries per exact tag.
	TagDistribution map[string]int64 `json:"TagDistribution,omitempty"`
}
