package vectorlite

import (
	"log/slog"

	"github.com/cssvb94/VectorLiteDB/blobstore"
	"github.com/cssvb94/VectorLiteDB/codec"
	"github.com/cssvb94/VectorLiteDB/docstore/dynamo"
	"github.com/cssvb94/VectorLiteDB/index/hnsw"
	"github.com/cssvb94/VectorLiteDB/resource"
)

const (
	// DefaultDimension is the embedding dimension used when WithDimension
	// is not given.
	DefaultDimension = 384

	// DefaultEntryCacheSize bounds the decoded-entry cache to 32 MiB of
	// estimated entry cost.
	DefaultEntryCacheSize int64 = 32 << 20
)

type options struct {
	dimension          int
	m                  int
	efConstruction     int
	efSearch           int
	expectedCapacity   int
	randomSeed         int64
	autoNormalize      bool
	autoRebuild        bool
	encryptionPassword string
	codec              codec.Codec
	logger             *Logger
	metricsCollector   MetricsCollector
	resourceConfig     resource.Config
	entryCacheSize     int64
	blobStores         map[string]blobstore.BlobStore
	dynamoClient       dynamo.DDBClient
}

// Option configures Open/OpenSharded behavior.
type Option func(*options)

// WithDimension fixes the embedding dimension of the store. Every embedded
// entry must carry a vector of exactly this length.
func WithDimension(dimension int) Option {
	return func(o *options) {
		o.dimension = dimension
	}
}

// WithM configures the number of bidirectional links per HNSW layer.
// Higher M improves recall on high-dimensional data at the cost of memory
// and insert time.
func WithM(m int) Option {
	return func(o *options) {
		o.m = m
	}
}

// WithEFConstruction configures the candidate beam width used while
// inserting into the HNSW graph.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithEFSearchDefault configures the beam width used by searches that do
// not set SearchRequest.EFSearch themselves.
func WithEFSearchDefault(ef int) Option {
	return func(o *options) {
		o.efSearch = ef
	}
}

// WithExpectedCapacity pre-sizes index storage for the given entry count.
func WithExpectedCapacity(n int) Option {
	return func(o *options) {
		o.expectedCapacity = n
	}
}

// WithRandomSeed seeds the HNSW level generator. Stores built from the same
// inputs with the same seed produce identical graphs, which keeps search
// results reproducible across runs.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = seed
	}
}

// WithAutoNormalize controls whether embeddings are L2-normalized on write
// and query vectors on search. Enabled by default; disable only when all
// vectors are known to be unit length already.
func WithAutoNormalize(enabled bool) Option {
	return func(o *options) {
		o.autoNormalize = enabled
	}
}

// WithAutoRebuild enables opportunistic index rebuilds: after a deletion
// pushes the tombstone count past the rebuild heuristic, the store kicks
// off RebuildIndex in a background goroutine gated by the resource
// controller. Foreground writes never wait on it.
func WithAutoRebuild(enabled bool) Option {
	return func(o *options) {
		o.autoRebuild = enabled
	}
}

// WithEncryptionPassword enables at-rest encryption: the document codec is
// wrapped in AES-256-GCM with an scrypt-derived key before anything is
// persisted. JSON export files are written unencrypted regardless, so
// backups stay portable.
//
// An empty password disables encryption.
func WithEncryptionPassword(password string) Option {
	return func(o *options) {
		o.encryptionPassword = password
	}
}

// WithCodec configures the codec used to encode entries for the document
// store. If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vectorlite.NewJSONLogger(slog.LevelInfo)
//	store, _ := vectorlite.Open("kb.db", vectorlite.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vectorlite.BasicMetricsCollector{}
//	store, _ := vectorlite.Open("kb.db", vectorlite.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Adds: %d, Avg latency: %dns\n", stats.AddCount, stats.AddAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithResourceConfig bounds memory, background workers, and import/export
// IO throughput. Zero-valued limits are unlimited.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithEntryCacheSize bounds the decoded-entry cache in bytes of estimated
// entry cost. Zero disables the cache.
func WithEntryCacheSize(bytes int64) Option {
	return func(o *options) {
		o.entryCacheSize = bytes
	}
}

// WithBlobStore registers a blob store for a URI scheme used by ImportJSON,
// ExportJSON, SaveIndex and LoadIndex. Registered schemes take precedence
// over the built-in ones (local paths, "mem://", "s3://", "minio://").
//
// Example:
//
//	store, _ := vectorlite.Open("kb.db",
//	    vectorlite.WithBlobStore("backup", miniostore.NewStore(client, "backups", "kb")),
//	)
//	_ = store.ExportJSON(ctx, "backup://latest.json.zst")
func WithBlobStore(scheme string, bs blobstore.BlobStore) Option {
	return func(o *options) {
		if o.blobStores == nil {
			o.blobStores = make(map[string]blobstore.BlobStore)
		}
		o.blobStores[scheme] = bs
	}
}

// WithDynamoDBClient injects the client used for "dynamodb://TABLE"
// connection strings. Without it the store falls back to the default AWS
// config chain (env, shared config, IMDS).
func WithDynamoDBClient(client dynamo.DDBClient) Option {
	return func(o *options) {
		o.dynamoClient = client
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		dimension:        DefaultDimension,
		m:                hnsw.DefaultM,
		efConstruction:   hnsw.DefaultEFConstruction,
		efSearch:         hnsw.DefaultEFSearch,
		expectedCapacity: hnsw.DefaultExpectedCapacity,
		randomSeed:       hnsw.DefaultRandomSeed,
		autoNormalize:    true,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		entryCacheSize:   DefaultEntryCacheSize,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
