package engine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cssvb94/VectorLiteDB/knowledge"
)

// Filter selects search candidates over dense entry slots using Roaring
// bitmap posting lists.
//
// Three structures are maintained per store:
//   - live: slots of non-deleted entries, the universe every query starts from
//   - metadata inverted index: key -> value key -> slots
//   - tag index: tag -> slots
//
// Soft-deleted entries keep their postings and only leave the live mask, so
// restoring them is a single bit flip.
type Filter struct {
	mu sync.RWMutex

	live *roaring.Bitmap
	meta map[string]map[string]*roaring.Bitmap
	tags map[string]*roaring.Bitmap

	// indexed remembers each slot's postings so re-indexing can remove the
	// stale ones first.
	indexed map[uint32]postings

	// names maps value keys back to a display string for stats.
	names map[string]string
}

type postings struct {
	meta knowledge.Metadata
	tags []string
}

// NewFilter creates an empty filter index.
func NewFilter() *Filter {
	return &Filter{
		live:    roaring.New(),
		meta:    make(map[string]map[string]*roaring.Bitmap),
		tags:    make(map[string]*roaring.Bitmap),
		indexed: make(map[uint32]postings),
		names:   make(map[string]string),
	}
}

// Index records the entry's metadata and tags under slot, replacing any
// previous postings for that slot. The slot joins the live mask unless the
// entry is soft-deleted.
func (f *Filter) Index(slot uint32, e *knowledge.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old, ok := f.indexed[slot]; ok {
		f.removeLocked(slot, old)
	}

	p := postings{meta: e.Metadata.Clone(), tags: append([]string(nil), e.Tags...)}
	f.indexed[slot] = p

	for key, v := range p.meta {
		valueMap, ok := f.meta[key]
		if !ok {
			valueMap = make(map[string]*roaring.Bitmap)
			f.meta[key] = valueMap
		}
		vk := v.Key()
		bm, ok := valueMap[vk]
		if !ok {
			bm = roaring.New()
			valueMap[vk] = bm
		}
		bm.Add(slot)
		if _, ok := f.names[vk]; !ok {
			f.names[vk] = displayValue(v)
		}
	}

	for _, tag := range p.tags {
		bm, ok := f.tags[tag]
		if !ok {
			bm = roaring.New()
			f.tags[tag] = bm
		}
		bm.Add(slot)
	}

	if e.IsDeleted {
		f.live.Remove(slot)
	} else {
		f.live.Add(slot)
	}
}

// MarkDeleted removes the slot from the live mask. Postings stay in place
// for a later Restore.
func (f *Filter) MarkDeleted(slot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live.Remove(slot)
}

// Restore returns a previously deleted slot to the live mask. Slots that
// were never indexed stay out.
func (f *Filter) Restore(slot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indexed[slot]; ok {
		f.live.Add(slot)
	}
}

// Drop removes the slot and all its postings, for purged entries.
func (f *Filter) Drop(slot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old, ok := f.indexed[slot]; ok {
		f.removeLocked(slot, old)
		delete(f.indexed, slot)
	}
	f.live.Remove(slot)
}

// Apply returns the slots satisfying every metadata filter and, when the
// request names tags or tag prefixes, at least one of those. With no filter
// fields set the result is the live mask. The returned bitmap is owned by
// the caller.
func (f *Filter) Apply(req *knowledge.SearchRequest) *roaring.Bitmap {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := f.live.Clone()

	for key, v := range req.Filters {
		valueMap, ok := f.meta[key]
		if !ok {
			return roaring.New()
		}
		bm, ok := valueMap[v.Key()]
		if !ok {
			return roaring.New()
		}
		out.And(bm)
		if out.IsEmpty() {
			return out
		}
	}

	if len(req.Tags) > 0 || len(req.TagPrefixes) > 0 {
		match := roaring.New()
		for _, tag := range req.Tags {
			if bm, ok := f.tags[tag]; ok {
				match.Or(bm)
			}
		}
		for _, prefix := range req.TagPrefixes {
			// "AI/ML" matches the tag itself and anything below it, but
			// never a sibling like "AI/MLops".
			sub := prefix + "/"
			for tag, bm := range f.tags {
				if tag == prefix || strings.HasPrefix(tag, sub) {
					match.Or(bm)
				}
			}
		}
		out.And(match)
	}

	return out
}

// LiveCount returns the number of non-deleted entries.
func (f *Filter) LiveCount() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(f.live.GetCardinality())
}

// Contains reports whether slot is live.
func (f *Filter) Contains(slot uint32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live.Contains(slot)
}

// CategoryCounts returns live entry counts per value of the "category"
// metadata key.
func (f *Filter) CategoryCounts() map[string]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]int64)
	for vk, bm := range f.meta["category"] {
		if n := bm.AndCardinality(f.live); n > 0 {
			out[f.names[vk]] = int64(n)
		}
	}
	return out
}

// TagDistribution returns live entry counts per exact tag.
func (f *Filter) TagDistribution() map[string]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]int64, len(f.tags))
	for tag, bm := range f.tags {
		if n := bm.AndCardinality(f.live); n > 0 {
			out[tag] = int64(n)
		}
	}
	return out
}

// removeLocked drops the slot's postings. Caller holds the write lock.
func (f *Filter) removeLocked(slot uint32, p postings) {
	for key, v := range p.meta {
		valueMap, ok := f.meta[key]
		if !ok {
			continue
		}
		vk := v.Key()
		bm, ok := valueMap[vk]
		if !ok {
			continue
		}
		bm.Remove(slot)
		if bm.IsEmpty() {
			delete(valueMap, vk)
			if len(valueMap) == 0 {
				delete(f.meta, key)
			}
		}
	}

	for _, tag := range p.tags {
		bm, ok := f.tags[tag]
		if !ok {
			continue
		}
		bm.Remove(slot)
		if bm.IsEmpty() {
			delete(f.tags, tag)
		}
	}
}

func displayValue(v knowledge.Value) string {
	switch v.Kind {
	case knowledge.KindString:
		return v.StringValue()
	case knowledge.KindInt:
		return strconv.FormatInt(v.I64, 10)
	case knowledge.KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case knowledge.KindBool:
		return strconv.FormatBool(v.B)
	default:
		return "null"
	}
}
