// Package cache provides a cost-weighted LRU for decoded knowledge entries.
//
// The cache sits in front of the document store: Get serves repeated reads
// of hot entries without a store round-trip or a codec decode, and writes
// refresh or invalidate the cached copy. Capacity is expressed in estimated
// resident bytes, optionally charged against a resource controller's
// memory budget.
package cache
