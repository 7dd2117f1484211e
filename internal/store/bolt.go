package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSlots = []byte("slots")

// BoltKV stores slots in a single BoltDB bucket.
type BoltKV struct {
	db *bolt.DB
}

// OpenBoltKV opens (or creates) the bolt file at path.
func OpenBoltKV(path string) (*BoltKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSlots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltKV{db: db}, nil
}

func (b *BoltKV) GetString(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSlots).Get([]byte(key)); v != nil {
			value = string(v) // copies out of the mmap
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, found, nil
}

func (b *BoltKV) Set(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Put([]byte(key), []byte(value))
	})
}

func (b *BoltKV) Remove(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Delete([]byte(key))
	})
}

func (b *BoltKV) GetInt(key string) (int, bool, error) {
	return getInt(b, key)
}

func (b *BoltKV) SetInt(key string, value int) error {
	return b.Set(key, strconv.Itoa(value))
}

func (b *BoltKV) Ping() error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSlots) == nil {
			return fmt.Errorf("bucket %s missing", bucketSlots)
		}
		return nil
	})
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
