package storage

import (
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
)

// maxLoadFactor is the highest entries/capacity ratio the table may rest at.
// The resize check is strict: a table at exactly 0.5 does not grow.
const maxLoadFactor = 0.5

// HashTable is a string-keyed hash table using separate chaining. It doubles
// its bucket array whenever an insert pushes the load factor above 0.5.
//
// A HashTable is not safe for concurrent use; callers that share one must
// guard it with their own lock.
type HashTable[V any] struct {
	buckets     []bucket[V]
	capacity    int
	count       int
	maxCapacity int
}

// entry is a single key/value pair stored in a bucket
type entry[V any] struct {
	key   string
	value V
}

// bucket holds every entry whose key hashes to the same index
type bucket[V any] []entry[V]

// Option configures a HashTable at construction.
type Option func(*options)

type options struct {
	maxCapacity int
}

// WithMaxCapacity caps the bucket array size. A resize that would exceed
// the cap fails with ErrAllocationFailure and leaves the table unchanged.
// Zero or negative means no cap.
func WithMaxCapacity(n int) Option {
	return func(o *options) {
		o.maxCapacity = n
	}
}

// NewHashTable creates a hash table with the given initial bucket count
func NewHashTable[V any](capacity int, opts ...Option) (*HashTable[V], error) {
	if capacity <= 0 {
		return nil, &CapacityError{Capacity: capacity, Err: ErrInvalidCapacity}
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	maxCap := o.maxCapacity
	if maxCap <= 0 {
		maxCap = math.MaxInt
	}
	if capacity > maxCap {
		return nil, &CapacityError{Capacity: capacity, Err: ErrInvalidCapacity}
	}
	return &HashTable[V]{
		buckets:     make([]bucket[V], capacity),
		capacity:    capacity,
		maxCapacity: maxCap,
	}, nil
}

// HashIndex maps key to a bucket index in [0, capacity) using 64-bit FNV-1a.
// The result depends only on key and capacity, so it is stable across runs.
func HashIndex(key string, capacity int) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(capacity))
}

// Add stores value under key, overwriting any existing value. If the insert
// pushes the load factor above 0.5 the table is resized before returning.
//
// The only error is ErrAllocationFailure, returned when the table cannot
// grow. The entry is stored regardless and the table stays usable.
func (ht *HashTable[V]) Add(key string, value V) error {
	index := HashIndex(key, ht.capacity)
	if i := ht.buckets[index].lookup(key); i >= 0 {
		ht.buckets[index][i].value = value
		return nil
	}

	ht.buckets[index] = append(ht.buckets[index], entry[V]{key: key, value: value})
	ht.count++

	if ht.overloaded() {
		return ht.resize()
	}
	return nil
}

// Get retrieves the value stored for key
func (ht *HashTable[V]) Get(key string) (V, bool) {
	b := ht.buckets[HashIndex(key, ht.capacity)]
	if i := b.lookup(key); i >= 0 {
		return b[i].value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present. Capacity never
// shrinks.
func (ht *HashTable[V]) Delete(key string) bool {
	index := HashIndex(key, ht.capacity)
	b := ht.buckets[index]
	i := b.lookup(key)
	if i < 0 {
		return false
	}
	// Keep the remaining chain in insertion order.
	copy(b[i:], b[i+1:])
	b[len(b)-1] = entry[V]{}
	if len(b) == 1 {
		ht.buckets[index] = nil
	} else {
		ht.buckets[index] = b[:len(b)-1]
	}
	ht.count--
	return true
}

// Len returns the number of entries in the table
func (ht *HashTable[V]) Len() int {
	return ht.count
}

// Capacity returns the current number of buckets
func (ht *HashTable[V]) Capacity() int {
	return ht.capacity
}

// LoadFactor returns entries divided by capacity
func (ht *HashTable[V]) LoadFactor() float64 {
	return float64(ht.count) / float64(ht.capacity)
}

// Keys returns all keys in the table in no particular order
func (ht *HashTable[V]) Keys() []string {
	keys := make([]string, 0, ht.count)
	for _, b := range ht.buckets {
		for _, e := range b {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Range calls f for each entry until f returns false. f must not modify
// the table.
func (ht *HashTable[V]) Range(f func(key string, value V) bool) {
	for _, b := range ht.buckets {
		for _, e := range b {
			if !f(e.key, e.value) {
				return
			}
		}
	}
}

func (ht *HashTable[V]) overloaded() bool {
	return float64(ht.count)/float64(ht.capacity) > maxLoadFactor
}

// resize doubles the bucket array and rehashes every entry into it. The
// table's fields are only replaced once the new array is fully built.
func (ht *HashTable[V]) resize() error {
	if ht.capacity > ht.maxCapacity/2 {
		return &CapacityError{Capacity: ht.capacity, Err: ErrAllocationFailure}
	}
	newCapacity := ht.capacity * 2

	buckets := make([]bucket[V], newCapacity)
	for _, b := range ht.buckets {
		for _, e := range b {
			index := HashIndex(e.key, newCapacity)
			buckets[index] = append(buckets[index], e)
		}
	}

	ht.buckets = buckets
	ht.capacity = newCapacity
	return nil
}

// lookup returns the position of key in the bucket, or -1
func (b bucket[V]) lookup(key string) int {
	for i, e := range b {
		if e.key == key {
			return i
		}
	}
	return -1
}

// BucketView is a read-only copy of one non-empty bucket.
type BucketView[V any] struct {
	Index   int
	Entries []Pair[V]
}

// Pair is a key/value pair as seen through a BucketView.
type Pair[V any] struct {
	Key   string
	Value V
}

// Buckets returns a snapshot of the non-empty buckets in index order. It
// is meant for debugging; bucket placement is not part of the table's
// contract.
func (ht *HashTable[V]) Buckets() []BucketView[V] {
	var views []BucketView[V]
	for i, b := range ht.buckets {
		if len(b) == 0 {
			continue
		}
		view := BucketView[V]{Index: i, Entries: make([]Pair[V], len(b))}
		for j, e := range b {
			view.Entries[j] = Pair[V]{Key: e.key, Value: e.value}
		}
		views = append(views, view)
	}
	return views
}

// String renders the non-empty buckets, one per line, with values
// printed by fmt's %v.
func (ht *HashTable[V]) String() string {
	var sb strings.Builder
	ht.Format(&sb, func(v V) string { return fmt.Sprint(v) })
	return sb.String()
}

// Format writes a summary line followed by the non-empty buckets, one per
// line, rendering each value with value.
func (ht *HashTable[V]) Format(w io.Writer, value func(V) string) {
	fmt.Fprintf(w, "capacity=%d entries=%d load=%.2f\n", ht.capacity, ht.count, ht.LoadFactor())
	for _, view := range ht.Buckets() {
		fmt.Fprintf(w, "%d:", view.Index)
		for _, p := range view.Entries {
			fmt.Fprintf(w, " (%q, %s)", p.Key, value(p.Value))
		}
		io.WriteString(w, "\n")
	}
}
