// Package vectorindex implements an exact L2 nearest-neighbour index keyed by
// int64 ids, serializable to a single blob.
package vectorindex

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// magic prefixes every serialized index.
var magic = [4]byte{'F', 'L', '2', 1}

// FlatL2 stores vectors contiguously and answers queries by brute force.
// It is not safe for concurrent mutation; callers build a fresh index and
// publish it once complete.
type FlatL2 struct {
	dim  int
	ids  []int64
	data []float32
	seen map[int64]struct{}
}

// New returns an empty index for vectors of length dim.
func New(dim int) *FlatL2 {
	return &FlatL2{dim: dim, seen: make(map[int64]struct{})}
}

func (f *FlatL2) Dim() int { return f.dim }
func (f *FlatL2) Len() int { return len(f.ids) }

// IDs returns the stored ids in insertion order.
func (f *FlatL2) IDs() []int64 {
	out := make([]int64, len(f.ids))
	copy(out, f.ids)
	return out
}

// Add appends a vector under id. Duplicate ids are rejected.
func (f *FlatL2) Add(id int64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("adding id %d: %w: got %d, want %d", id, ErrDimension, len(vec), f.dim)
	}
	if f.seen == nil {
		f.seen = make(map[int64]struct{})
	}
	if _, dup := f.seen[id]; dup {
		return fmt.Errorf("adding id %d: duplicate id", id)
	}
	f.seen[id] = struct{}{}
	f.ids = append(f.ids, id)
	f.data = append(f.data, vec...)
	return nil
}

// Result is one search hit. Distance is the squared L2 distance.
type Result struct {
	ID       int64
	Distance float32
}

// Search returns up to k nearest vectors ordered by ascending distance.
// Equal distances keep insertion order.
func (f *FlatL2) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("searching: %w: got %d, want %d", ErrDimension, len(query), f.dim)
	}
	if k <= 0 || len(f.ids) == 0 {
		return nil, nil
	}

	h := &resultHeap{}
	for i, id := range f.ids {
		d := squaredL2(query, f.data[i*f.dim:(i+1)*f.dim])
		c := candidate{Result: Result{ID: id, Distance: d}, pos: i}
		if h.Len() < k {
			heap.Push(h, c)
		} else if c.before((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(candidate).Result
	}
	return out, nil
}

// MarshalBinary encodes the index as magic, dim, count, ids, then vectors,
// all little-endian.
func (f *FlatL2) MarshalBinary() ([]byte, error) {
	n := len(f.ids)
	buf := make([]byte, 4+4+4+n*8+len(f.data)*4)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(f.dim))
	binary.LittleEndian.PutUint32(buf[8:], uint32(n))
	off := 12
	for _, id := range f.ids {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}
	for _, v := range f.data {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return buf, nil
}

// UnmarshalBinary replaces the receiver's contents with a decoded index.
func (f *FlatL2) UnmarshalBinary(b []byte) error {
	if len(b) < 12 || [4]byte(b[:4]) != magic {
		return errors.New("decoding index: bad header")
	}
	dim := int(binary.LittleEndian.Uint32(b[4:]))
	n := int(binary.LittleEndian.Uint32(b[8:]))
	want := 12 + n*8 + n*dim*4
	if len(b) != want {
		return fmt.Errorf("decoding index: length %d, want %d", len(b), want)
	}

	ids := make([]int64, n)
	seen := make(map[int64]struct{}, n)
	off := 12
	for i := range ids {
		ids[i] = int64(binary.LittleEndian.Uint64(b[off:]))
		if _, dup := seen[ids[i]]; dup {
			return fmt.Errorf("decoding index: duplicate id %d", ids[i])
		}
		seen[ids[i]] = struct{}{}
		off += 8
	}
	data := make([]float32, n*dim)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		off += 4
	}

	f.dim, f.ids, f.data, f.seen = dim, ids, data, seen
	return nil
}

// Decode is a convenience wrapper around UnmarshalBinary.
func Decode(b []byte) (*FlatL2, error) {
	f := &FlatL2{}
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return f, nil
}

// Normalize scales v in place to unit L2 norm. Zero vectors are left as is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

type candidate struct {
	Result
	pos int
}

// before reports whether c ranks ahead of o.
func (c candidate) before(o candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.pos < o.pos
}

// resultHeap is a max-heap on rank: the root is the worst kept candidate.
type resultHeap []candidate

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[j].before(h[i]) }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
