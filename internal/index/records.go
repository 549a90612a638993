package index

import (
	"github.com/54b3r/medrag-go/internal/rag"
)

// Records is the Metadata Store: an append-only list of records aligned by
// position with a Flat index, plus a tombstone flag per position.
// It is not safe for concurrent use; Store guards it.
type Records struct {
	recs    []rag.Record
	deleted []bool
	live    int
}

// Len returns the number of positions, deleted included.
func (r *Records) Len() int { return len(r.recs) }

// Live returns the number of positions not deleted.
func (r *Records) Live() int { return r.live }

// Append stores rec at the next position and returns it.
func (r *Records) Append(rec rag.Record, deleted bool) int {
	r.recs = append(r.recs, rec)
	r.deleted = append(r.deleted, deleted)
	if !deleted {
		r.live++
	}
	return len(r.recs) - 1
}

// Get returns the record at pos and whether pos holds a live record.
func (r *Records) Get(pos int) (rag.Record, bool) {
	if pos < 0 || pos >= len(r.recs) || r.deleted[pos] {
		return rag.Record{}, false
	}
	return r.recs[pos], true
}

// Deleted reports whether pos carries a tombstone.
func (r *Records) Deleted(pos int) bool {
	return r.deleted[pos]
}

// Match returns the live positions whose metadata satisfies f, ascending.
func (r *Records) Match(f rag.Filter) []int {
	var out []int
	for pos, rec := range r.recs {
		if !r.deleted[pos] && f.Match(rec.Metadata) {
			out = append(out, pos)
		}
	}
	return out
}

// MarkDeleted sets the tombstone on each position.
func (r *Records) MarkDeleted(positions []int) {
	for _, pos := range positions {
		if !r.deleted[pos] {
			r.deleted[pos] = true
			r.live--
		}
	}
}
