package metadb

import (
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// GetItemPath returns the last known provider-local path for an item.
func (b *BoltDB) GetItemPath(_ context.Context, itemID string) (string, error) {
	var path string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketItemPaths)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(itemID))
		if val == nil {
			return ErrNotFound
		}
		path = string(val)
		return nil
	})
	return path, err
}

// PutItemPath upserts the path for an item. Records never expire.
func (b *BoltDB) PutItemPath(_ context.Context, itemID, path string) error {
	if itemID == "" || path == "" {
		return errors.New("metadb: item id and path are required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketItemPaths).Put([]byte(itemID), []byte(path)); err != nil {
			return fmt.Errorf("putting item path: %w", err)
		}
		return nil
	})
}

// PutItemPaths upserts many item paths in one transaction.
func (b *BoltDB) PutItemPaths(_ context.Context, paths map[string]string) (int, error) {
	written := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketItemPaths)
		for itemID, path := range paths {
			if itemID == "" || path == "" {
				continue
			}
			if err := bucket.Put([]byte(itemID), []byte(path)); err != nil {
				return fmt.Errorf("putting item path %s: %w", itemID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteItemPath removes the record for an item.
func (b *BoltDB) DeleteItemPath(_ context.Context, itemID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItemPaths).Delete([]byte(itemID))
	})
}
