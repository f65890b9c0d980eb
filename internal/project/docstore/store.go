// Package docstore provides the chunked ciphertext document store backing
// project sync, implemented over BadgerDB for local and offline use.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/project"
)

// Store is the remote document contract: fragments addressed by
// (projectId, permission, userId, dataId, chunkIndex) with query-by-prefix,
// batched delete and batched write.
type Store interface {
	// QueryPartition returns all fragments under the partition key, in
	// unspecified order.
	QueryPartition(ctx context.Context, key project.PartitionKey) ([]project.Fragment, error)

	// DeletePartition removes every fragment under the partition key.
	DeletePartition(ctx context.Context, key project.PartitionKey) error

	// WriteFragments stores fragments in one batch.
	WriteFragments(ctx context.Context, frags []project.Fragment) error

	Close() error
}

// Key prefix for fragment documents.
const prefixFrag = "frag:" // frag:<project>:<permission>:<user>:<data_id>:<chunk_index> -> fragment

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a document store at dbPath.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	logger.L().Info("document store opened")

	return &BadgerStore{db: db}, nil
}

// partitionPrefix builds the iteration prefix for a partition key. An empty
// UserID matches every user in the permission class.
func partitionPrefix(key project.PartitionKey) []byte {
	p := fmt.Sprintf("%s%s:%s:", prefixFrag, key.ProjectID, key.Permission)
	if key.UserID != "" {
		p += key.UserID + ":"
	}
	return []byte(p)
}

func fragmentKey(f project.Fragment) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s:%s:%08d",
		prefixFrag, f.ProjectID, f.Permission, f.UserID, f.DataID, f.ChunkIndex,
	))
}

// QueryPartition returns all fragments under the partition key.
func (s *BadgerStore) QueryPartition(ctx context.Context, key project.PartitionKey) ([]project.Fragment, error) {
	var frags []project.Fragment
	prefix := partitionPrefix(key)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var frag project.Fragment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &frag)
			})
			if err != nil {
				return errors.E("BadgerStore.QueryPartition", errors.ErrPartitionFetch, err)
			}
			frags = append(frags, frag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return frags, nil
}

// DeletePartition removes every fragment under the partition key. Keys are
// collected in a read transaction, then deleted in one write batch.
func (s *BadgerStore) DeletePartition(ctx context.Context, key project.PartitionKey) error {
	prefix := partitionPrefix(key)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap("BadgerStore.DeletePartition", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return errors.Wrap("BadgerStore.DeletePartition", err)
		}
	}
	return wb.Flush()
}

// WriteFragments stores fragments in one write batch.
func (s *BadgerStore) WriteFragments(ctx context.Context, frags []project.Fragment) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, frag := range frags {
		data, err := json.Marshal(frag)
		if err != nil {
			return fmt.Errorf("failed to marshal fragment: %w", err)
		}
		if err := wb.Set(fragmentKey(frag), data); err != nil {
			return errors.Wrap("BadgerStore.WriteFragments", err)
		}
	}
	return wb.Flush()
}

// Close closes the store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
