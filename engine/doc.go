// Package engine runs the search pipeline: candidate filtering over the
// bitmap index, vector search (exact or approximate), relation traversal
// with decayed scoring, and the final rerank.
//
// The engine owns no storage. It is wired to a document source, a vector
// index, the slot map and the filter at construction and coordinates them
// per request.
package engine
