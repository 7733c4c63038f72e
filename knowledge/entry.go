package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// Well-known relation types. The set is open: any string is a valid type,
// unknown types are their own inverse.
const (
	RelationParentOf   = "parent_of"
	RelationChildOf    = "child_of"
	RelationDependsOn  = "depends_on"
	RelationDependedBy = "depended_by"
	RelationReferences = "references"
	RelationRelatesTo  = "relates_to"
)

// Relation weight bounds. A weight of 1.0 is neutral; values amplify or
// dampen traversal scores.
const (
	WeightMin     = 0.1
	WeightMax     = 2.0
	WeightNeutral = 1.0
)

// Relation is a directed, weighted, typed edge to another entry.
//
// The target may dangle after the target entry is purged; read paths skip
// dangling edges instead of failing.
type Relation struct {
	TargetID  string    `json:"TargetId"`
	Weight    float64   `json:"Weight"`
	Type      string    `json:"Type"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// InverseRelationType returns the reciprocal type for a relation type.
// parent_of pairs with child_of and depends_on with depended_by; every
// other type is symmetric.
func InverseRelationType(t string) string {
	switch t {
	case RelationParentOf:
		return RelationChildOf
	case RelationChildOf:
		return RelationParentOf
	case RelationDependsOn:
		return RelationDependedBy
	case RelationDependedBy:
		return RelationDependsOn
	default:
		return t
	}
}

// ClampWeight forces a relation weight into the valid range.
func ClampWeight(w float64) float64 {
	if w < WeightMin {
		return WeightMin
	}
	if w > WeightMax {
		return WeightMax
	}
	return w
}

// Entry is a single knowledge item: opaque content plus an optional
// embedding, scalar metadata, hierarchical tags and outgoing relations.
//
// JSON field names are PascalCase; decoding is case-insensitive, so
// camelCase exports from other tooling import cleanly.
type Entry struct {
	// ID is an opaque identifier, unique within a store. Empty IDs are
	// assigned a fresh UUID at add time and remain stable afterwards.
	ID string `json:"Id"`

	// Content is opaque text; the store never interprets it.
	Content string `json:"Content"`

	// Embedding is a fixed-dimension vector or nil. Entries without an
	// embedding never appear in vector search results but remain
	// filterable and traversable.
	Embedding []float32 `json:"Embedding,omitempty"`

	Metadata Metadata `json:"Metadata,omitempty"`

	// Tags are ordered hierarchical paths with "/" separators, e.g.
	// "AI/ML/NeuralNetworks".
	Tags []string `json:"Tags,omitempty"`

	Relations []Relation `json:"Relations,omitempty"`

	// CreatedAt is set on first insert and preserved across updates.
	CreatedAt time.Time `json:"CreatedAt"`
	UpdatedAt time.Time `json:"UpdatedAt"`

	IsDeleted bool       `json:"IsDeleted,omitempty"`
	DeletedAt *time.Time `json:"DeletedAt,omitempty"`
}

// NewID returns a fresh 128-bit entry identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone creates a deep copy of the entry, independent of the original.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Embedding != nil {
		clone.Embedding = make([]float32, len(e.Embedding))
		copy(clone.Embedding, e.Embedding)
	}
	clone.Metadata = e.Metadata.Clone()
	if e.Tags != nil {
		clone.Tags = make([]string, len(e.Tags))
		copy(clone.Tags, e.Tags)
	}
	if e.Relations != nil {
		clone.Relations = make([]Relation, len(e.Relations))
		copy(clone.Relations, e.Relations)
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		clone.DeletedAt = &t
	}
	return &clone
}

// HasRelation reports whether the entry already carries an edge to target
// with the given type.
func (e *Entry) HasRelation(targetID, relType string) bool {
	for i := range e.Relations {
		if e.Relations[i].TargetID == targetID && e.Relations[i].Type == relType {
			return true
		}
	}
	return false
}
