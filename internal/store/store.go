// Package store wraps an embedded ordered key/value engine (RocksDB) with
// the narrow operation set the shelter server needs: point reads/writes,
// prefix scans, and the two substring-scan queries the wire protocol and
// HTTP API build their responses from.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jgraettinger/gorocksdb"
)

// ErrStoreUnavailable is returned when the backing engine cannot be opened,
// or a read/write fails for a reason other than key-not-found.
var ErrStoreUnavailable = errors.New("store: unavailable")

// Entry is a single key/value pair returned from a scan.
type Entry struct {
	Key   string
	Value string
}

// Store is a thin, serializing wrapper over a RocksDB handle. The zero value
// is not usable; construct with Open. A Store is safe for concurrent use:
// RocksDB itself serializes concurrent Put/Get/Delete, and iterators observe
// a point-in-time snapshot of the database.
type Store struct {
	db *gorocksdb.DB
	wo *gorocksdb.WriteOptions
	ro *gorocksdb.ReadOptions
}

// Open creates (if missing) and opens the database at path.
func Open(path string) (*Store, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStoreUnavailable, path, err)
	}

	wo := gorocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)

	return &Store{
		db: db,
		wo: wo,
		ro: gorocksdb.NewDefaultReadOptions(),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	s.db.Close()
}

// Put durably writes key/value. Returns ErrStoreUnavailable on failure.
func (s *Store) Put(key, value string) error {
	if err := s.db.Put(s.wo, []byte(key), []byte(value)); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Get returns the value for key and true, or "", false if the key does not
// exist. A not-found result is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	slice, err := s.db.Get(s.ro, []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}
	defer slice.Free()

	if !slice.Exists() {
		return "", false, nil
	}
	return string(slice.Data()), true, nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(s.wo, []byte(key)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Scan returns every entry whose key has the given prefix, in lexicographic
// (byte-wise) key order.
func (s *Store) Scan(prefix string) ([]Entry, error) {
	it := s.db.NewIterator(s.ro)
	defer it.Close()

	var out []Entry
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		k, v := it.Key(), it.Value()
		out = append(out, Entry{Key: string(k.Data()), Value: string(v.Data())})
		k.Free()
		v.Free()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrStoreUnavailable, prefix, err)
	}
	return out, nil
}

// CountValuesContaining returns the number of entries across the whole
// store whose value contains needle as a substring.
//
// Grounded on RocksDbWrapper::countOccurrences, which does a full
// SeekToFirst/Next scan rather than a prefix scan: needle is matched
// against values, not keys, so there is no key range to narrow by.
func (s *Store) CountValuesContaining(needle string) (int, error) {
	it := s.db.NewIterator(s.ro)
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		v := it.Value()
		if strings.Contains(string(v.Data()), needle) {
			count++
		}
		v.Free()
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrStoreUnavailable, needle, err)
	}
	return count, nil
}

// ScanKeysContainingAll returns, in lexicographic key order, every entry
// whose key contains all of the given substrings.
//
// Grounded on RocksDbWrapper::getJsonByKeySubstrings.
func (s *Store) ScanKeysContainingAll(substrings []string) ([]Entry, error) {
	it := s.db.NewIterator(s.ro)
	defer it.Close()

	var out []Entry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k, v := it.Key(), it.Value()
		key := string(k.Data())

		matches := true
		for _, sub := range substrings {
			if !strings.Contains(key, sub) {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, Entry{Key: key, Value: string(v.Data())})
		}
		k.Free()
		v.Free()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan-keys-containing-all: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}
