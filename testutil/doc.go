// Package testutil provides testing utilities for VectorLiteDB.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random embeddings, computing exact
// nearest neighbours, and verifying search recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UnitVectors(1000, 384)
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.BruteForceSearch(vecs, query, 10)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
