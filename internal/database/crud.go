package database

import (
	"bytes"
	"slices"

	"github.com/sidquark/rehashkv/internal/persistence"
)

// Set stores a copy of value for key. If the table cannot grow to hold a
// new key the write is rolled back and the error wraps
// storage.ErrAllocationFailure.
func (db *DB) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if value == nil {
		return ErrNilValue
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.isClosed {
		return ErrDatabaseClosed
	}

	value = bytes.Clone(value)
	prev, existed := db.storage.Get(key)

	if err := db.storage.Add(key, value); err != nil {
		db.undoSet(key, prev, existed)
		return NewDatabaseError("set", key, err)
	}

	if db.log != nil {
		if err := db.log.Append(persistence.OperationSet, key, value); err != nil {
			// If we fail to log, roll back the in-memory change
			db.undoSet(key, prev, existed)
			return NewDatabaseError("set", key, err)
		}
	}
	return nil
}

// undoSet restores key to its state before a failed Set
func (db *DB) undoSet(key string, prev []byte, existed bool) {
	if existed {
		// An update never grows the table, so this cannot fail.
		db.storage.Add(key, prev)
		return
	}
	db.storage.Delete(key)
}

// Get retrieves a copy of the value for key. A missing key is reported by
// ok, not by an error.
func (db *DB) Get(key string) (value []byte, ok bool, err error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	db.mutex.RLock()
	defer db.mutex.RUnlock()

	if db.isClosed {
		return nil, false, ErrDatabaseClosed
	}

	value, ok = db.storage.Get(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(value), true, nil
}

// Delete removes key and reports whether it was present
func (db *DB) Delete(key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.isClosed {
		return false, ErrDatabaseClosed
	}

	prev, exists := db.storage.Get(key)
	if !exists {
		return false, nil
	}
	db.storage.Delete(key)

	if db.log != nil {
		if err := db.log.Append(persistence.OperationDelete, key, nil); err != nil {
			db.storage.Add(key, prev)
			return false, NewDatabaseError("delete", key, err)
		}
	}
	return true, nil
}

// Keys returns all keys in the database in sorted order
func (db *DB) Keys() []string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	if db.isClosed {
		return []string{}
	}
	keys := db.storage.Keys()
	slices.Sort(keys)
	return keys
}

// Size returns the number of entries in the database
func (db *DB) Size() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	if db.isClosed {
		return 0
	}
	return db.storage.Len()
}
