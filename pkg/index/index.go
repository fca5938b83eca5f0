// Package index implements the tagged-union set of index variants shared
// by every table: a hash index for O(1) equality lookup and a tree index
// (backed by pkg/sptree) for ordered scans, both speaking one BasicIndex
// contract. Adapted from the teacher's storage.Index/Table pairing
// (pkg/storage/table.go), generalized from "one btree per index" into a
// closed variant set that also covers hash-bucketed lookup.
package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/sptree"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// Kind identifies an index variant.
type Kind int

const (
	KindHashU32 Kind = iota
	KindHashU64
	KindHashBytes
	KindTreeU32
	KindTreeU64
	KindTreeBytes
	KindTreeComposite
)

func (k Kind) isTree() bool {
	return k == KindTreeU32 || k == KindTreeU64 || k == KindTreeBytes || k == KindTreeComposite
}

// BasicIndex is the contract every variant satisfies: lookup by key,
// lookup by the key extracted from a full record, insert/replace,
// remove, ordered iteration and size accounting.
type BasicIndex interface {
	FindByKey(key types.Comparable) (int64, bool)
	FindByObj(key types.Comparable, value int64) bool
	Replace(key types.Comparable, value int64) error
	Remove(key types.Comparable) bool
	Iterate() Iterator
	IterateFrom(key types.Comparable) Iterator
	Size() int
	Bytes() int
	Unique() bool
}

// Iterator walks an index in ascending key order.
type Iterator interface {
	Next() (key types.Comparable, value int64, ok bool)
}

// Index is the single concrete type for every variant; Kind selects
// which backing storage and hash strategy is active, following the
// "tagged union" Design Note rather than one Go type per variant.
type Index struct {
	Name   string
	Kind   Kind
	unique bool

	mu   sync.RWMutex
	tree *sptree.Tree // used when Kind.isTree()

	hash    map[uint64][]hashEntry // used for hash variants
	hashLen int
}

type hashEntry struct {
	key   types.Comparable
	value int64
}

// New constructs an index of the given kind. unique controls whether an
// equal key may carry more than one value: a unique tree overwrites the
// value in place (sptree's own unique flag), a unique hash index rejects
// a second distinct value for an existing key (see Replace), and a
// non-unique index keeps distinct entries tied to distinct values.
func New(name string, kind Kind, unique bool) *Index {
	idx := &Index{Name: name, Kind: kind, unique: unique}
	if kind.isTree() {
		idx.tree = sptree.New(unique)
	} else {
		idx.hash = make(map[uint64][]hashEntry)
	}
	return idx
}

func (idx *Index) Unique() bool { return idx.unique }

func bucketOf(key types.Comparable) uint64 {
	switch k := key.(type) {
	case types.IntKey:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case types.VarcharKey:
		return xxhash.Sum64String(string(k))
	case types.FloatKey:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	default:
		return xxhash.Sum64String(key.(interface{ String() string }).String())
	}
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// FindByKey returns the value stored for an exact key match. For
// non-unique indexes this returns the first match encountered, matching
// the teacher's single-value Get semantics; callers that need every
// matching value use Iterate/IterateFrom instead.
func (idx *Index) FindByKey(key types.Comparable) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.Kind.isTree() {
		return idx.tree.Find(key)
	}

	bucket := idx.hash[bucketOf(key)]
	for _, e := range bucket {
		if e.key.Compare(key) == 0 {
			return e.value, true
		}
	}
	return 0, false
}

// FindByObj reports whether key currently resolves to exactly value,
// the object-identity check the replace protocol's conflict probe needs
// (spec's find_by_obj): a key that resolves to a *different* value is a
// genuine conflict, but a key that still resolves to the row being
// replaced is not.
func (idx *Index) FindByObj(key types.Comparable, value int64) bool {
	v, found := idx.FindByKey(key)
	return found && v == value
}

// Replace inserts or overwrites (key, value). Unique hash indexes reject
// a second distinct value for an existing key with a DuplicateKeyError,
// mirroring the tree variant's unique overwrite-in-place semantics only
// insofar as "same key, same value" is idempotent.
func (idx *Index) Replace(key types.Comparable, value int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.Kind.isTree() {
		idx.tree.InsertOrReplace(key, value)
		return nil
	}

	h := bucketOf(key)
	bucket := idx.hash[h]
	for _, e := range bucket {
		if e.key.Compare(key) == 0 {
			if e.value == value {
				return nil
			}
			if idx.unique {
				return errors.Wrap(&errors.DuplicateKeyError{Key: keyString(key)}, errors.CodeIndexViolation)
			}
		}
	}
	idx.hash[h] = append(bucket, hashEntry{key: key, value: value})
	idx.hashLen++
	return nil
}

// Remove deletes entries for key without regard to their value. A hash
// index drops every entry whose key equals key; a tree index deletes one
// such entry (on a non-unique tree, the first one its descent meets).
func (idx *Index) Remove(key types.Comparable) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.Kind.isTree() {
		return idx.tree.Delete(key)
	}

	h := bucketOf(key)
	bucket := idx.hash[h]
	removed := false
	out := bucket[:0]
	for _, e := range bucket {
		if e.key.Compare(key) == 0 {
			removed = true
			idx.hashLen--
			continue
		}
		out = append(out, e)
	}
	if removed {
		idx.hash[h] = out
	}
	return removed
}

func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.Kind.isTree() {
		return idx.tree.Size()
	}
	return idx.hashLen
}

func (idx *Index) Bytes() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.Kind.isTree() {
		return idx.tree.Bytes()
	}
	return idx.hashLen * 48
}

// Iterate returns an ascending-order iterator. Hash indexes have no
// natural order; callers that need iteration should use a tree variant,
// so hash Iterate returns entries in an arbitrary (map) order instead.
func (idx *Index) Iterate() Iterator {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.Kind.isTree() {
		return idx.tree.Iterate()
	}
	return idx.snapshotHashIterator()
}

func (idx *Index) IterateFrom(key types.Comparable) Iterator {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.Kind.isTree() {
		return idx.tree.IterateFrom(key)
	}
	return idx.snapshotHashIterator()
}

func (idx *Index) snapshotHashIterator() Iterator {
	entries := make([]hashEntry, 0, idx.hashLen)
	for _, bucket := range idx.hash {
		entries = append(entries, bucket...)
	}
	return &hashIterator{entries: entries}
}

type hashIterator struct {
	entries []hashEntry
	pos     int
}

func (it *hashIterator) Next() (types.Comparable, int64, bool) {
	if it.pos >= len(it.entries) {
		return nil, 0, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e.key, e.value, true
}

func keyString(key types.Comparable) string {
	if s, ok := key.(interface{ String() string }); ok {
		return s.String()
	}
	return "?"
}
