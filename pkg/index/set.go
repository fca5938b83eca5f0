package index

import (
	"github.com/bobboyms/storage-engine/pkg/errors"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// Set is the ordered collection of indexes belonging to one table. It
// enforces the fixed-order, all-or-nothing replace protocol: probe every
// unique index for a conflicting key first, then remove the old entry
// from every index, then insert the new entry into every index with the
// primary index last (so a crash mid-replace never leaves the primary
// index pointing at a record absent from a secondary index).
type Set struct {
	order   []string
	indexes map[string]*Index
	primary string
}

// NewSet builds an index set. primary must name one of the indexes
// passed in indexes, and is always applied last on insert.
func NewSet(primary string, indexes ...*Index) (*Set, error) {
	s := &Set{indexes: make(map[string]*Index, len(indexes)), primary: primary}
	found := false
	for _, idx := range indexes {
		s.indexes[idx.Name] = idx
		s.order = append(s.order, idx.Name)
		if idx.Name == primary {
			found = true
		}
	}
	if !found {
		return nil, errors.Wrap(&errors.IndexNotFoundError{Name: primary}, errors.CodeIndexViolation)
	}
	return s, nil
}

func (s *Set) Get(name string) (*Index, bool) {
	idx, ok := s.indexes[name]
	return idx, ok
}

// Replace atomically swaps the entry for value across every index: keys
// gives the key each index should carry for this value. oldKeys, if
// non-nil, is the key set of a prior version being replaced (e.g. an
// UPDATE); pass nil for a fresh insert.
func (s *Set) Replace(value int64, keys map[string]types.Comparable, oldKeys map[string]types.Comparable) error {
	// Probe phase: every unique index must accept the new key before
	// any mutation happens, so a duplicate-key failure never leaves the
	// indexes partially updated. A key that already resolves to an
	// entry is only a conflict if that entry isn't this same row's own
	// prior occupant of the key (checked via FindByObj, not a raw value
	// compare, since the new value being installed is always distinct
	// from whatever is currently stored).
	for _, name := range s.order {
		idx := s.indexes[name]
		if !idx.Unique() {
			continue
		}
		newKey, ok := keys[name]
		if !ok {
			continue
		}
		existing, found := idx.FindByKey(newKey)
		if !found {
			continue
		}
		if oldKeys != nil {
			if oldKey, ok := oldKeys[name]; ok && oldKey.Compare(newKey) == 0 && idx.FindByObj(oldKey, existing) {
				continue // the match is this row's own prior entry, not a conflict
			}
		}
		return errors.Wrap(&errors.DuplicateKeyError{Key: keyString(newKey)}, errors.CodeIndexViolation)
	}

	// Remove old entries from every index (secondary-first order is
	// irrelevant here since nothing yet references the new value).
	if oldKeys != nil {
		for _, name := range s.order {
			if oldKey, ok := oldKeys[name]; ok {
				s.indexes[name].Remove(oldKey)
			}
		}
	}

	// Insert phase: secondary indexes first, primary last, so a crash
	// mid-insert can never leave the primary index pointing at a record
	// a secondary index doesn't know about.
	var insertOrder []string
	for _, name := range s.order {
		if name != s.primary {
			insertOrder = append(insertOrder, name)
		}
	}
	insertOrder = append(insertOrder, s.primary)

	for _, name := range insertOrder {
		newKey, ok := keys[name]
		if !ok {
			continue
		}
		if err := s.indexes[name].Replace(newKey, value); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes value's entry from every index using the supplied keys.
func (s *Set) Remove(keys map[string]types.Comparable) {
	for _, name := range s.order {
		if key, ok := keys[name]; ok {
			s.indexes[name].Remove(key)
		}
	}
}
