package bbolt

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/rockenbf/oxen/lib/logging"
)

// Database is a thin wrapper over a bbolt file holding one or more buckets.
type Database struct {
	Db *bbolt.DB
}

// CreateDatabase opens (creating if needed) a bbolt database at the given path.
func CreateDatabase(path string) (*Database, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		logging.Errorf("Failed to open bbolt database %s: %v", path, err)
		return nil, err
	}

	return &Database{Db: db}, nil
}

// OpenReadOnly opens an existing database without taking the write lock.
func OpenReadOnly(path string) (*Database, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &Database{Db: db}, nil
}

func (bdb *Database) Close() error {
	return bdb.Db.Close()
}

func (bdb *Database) CreateBucket(name string) error {
	return bdb.Db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (bdb *Database) GetValue(bucket string, key string) ([]byte, error) {
	var value []byte

	err := bdb.Db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return value, nil
}

func (bdb *Database) UpdateValue(bucket string, key string, value []byte) error {
	return bdb.Db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.Put([]byte(key), value)
	})
}

func (bdb *Database) DeleteValue(bucket string, key string) error {
	return bdb.Db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in a bucket in key order.
func (bdb *Database) ForEach(bucket string, fn func(key, value []byte) error) error {
	return bdb.Db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			value := make([]byte, len(v))
			copy(value, v)
			return fn(key, value)
		})
	})
}

// ClearBucket removes and recreates a bucket.
func (bdb *Database) ClearBucket(name string) error {
	return bdb.Db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) != nil {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// Count returns the number of keys in a bucket.
func (bdb *Database) Count(bucket string) (int, error) {
	count := 0
	err := bdb.Db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
