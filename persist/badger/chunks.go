// Package badger records the chunks a node holds on local disk so they can
// be restored into its inventory after a restart.
package badger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
)

type (
	// A Store is a badger-backed record of the chunks held by a node.
	// Records are keyed by the binary encoding of their PartKey.
	Store struct {
		db  *badger.DB
		log *zap.Logger
	}

	// dbLogger routes badger's internal logging through zap.
	dbLogger struct {
		*zap.SugaredLogger
	}
)

var chunkPrefix = []byte("chunk/")

var _ raids.ChunkStore = (*Store)(nil)

func (l dbLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(pk raids.PartKey) ([]byte, error) {
	buf, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), chunkPrefix...), buf...), nil
}

// AddChunk records a chunk held on local disk, replacing any existing record
// for the same part.
func (s *Store) AddChunk(r raids.ChunkRecord) error {
	key, err := chunkKey(r.Part)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// Chunk returns the record of a chunk
func (s *Store) Chunk(pk raids.PartKey) (r raids.ChunkRecord, err error) {
	key, err := chunkKey(pk)
	if err != nil {
		return raids.ChunkRecord{}, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raids.ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return
}

// Chunks returns every recorded chunk. Records that cannot be decoded are
// skipped.
func (s *Store) Chunks() (records []raids.ChunkRecord, err error) {
	log := s.log.Named("chunks")
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: chunkPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var r raids.ChunkRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				log.Error("failed to decode chunk record", zap.ByteString("key", item.KeyCopy(nil)), zap.Error(err))
				continue
			} else if key, _ := chunkKey(r.Part); !bytes.Equal(key, item.Key()) {
				log.Error("chunk record does not match key", zap.ByteString("key", item.KeyCopy(nil)), zap.Stringer("part", r.Part))
				continue
			}
			records = append(records, r)
		}
		return nil
	})
	return
}

// OpenDatabase opens the chunk database at path, creating it if it does not
// exist.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	dbLog := log.Named("db").WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(dbLogger{dbLog.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}
