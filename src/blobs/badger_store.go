package blobs

import (
	"github.com/dgraph-io/badger"
)

// BadgerStore implements the Store interface on top of a badger key-value
// database, keyed by digest. Blobs are immutable so a Put of an existing
// digest is a no-op.
type BadgerStore struct {
	path string
	db   *badger.DB
}

// NewBadgerStore opens (or creates) a badger database at the given path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		path: path,
		db:   db,
	}, nil
}

// Path returns the database directory.
func (s *BadgerStore) Path() string {
	return s.path
}

// Put implements the Store interface.
func (s *BadgerStore) Put(data []byte) (string, error) {
	digest := Digest(data)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(digest)); err == nil {
			return nil
		}
		return txn.Set([]byte(digest), data)
	})
	if err != nil {
		return "", err
	}

	return digest, nil
}

// Get implements the Store interface.
func (s *BadgerStore) Get(digest string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(digest))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Has implements the Store interface.
func (s *BadgerStore) Has(digest string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(digest))
		return err
	})

	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
