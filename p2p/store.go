package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/routing"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
)

const storeNamespace = "raids"

// A storeRecord is the value stored in the DHT. Revision orders writes to the
// same key; the highest revision wins.
type storeRecord struct {
	Revision int64  `json:"revision"`
	Value    []byte `json:"value"`
}

// A Validator validates raids DHT records and selects the newest revision.
type Validator struct{}

var _ record.Validator = Validator{}

func decodeRecord(b []byte) (storeRecord, error) {
	var r storeRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return storeRecord{}, fmt.Errorf("failed to decode record: %w", err)
	} else if r.Revision <= 0 {
		return storeRecord{}, fmt.Errorf("invalid revision %d", r.Revision)
	}
	return r, nil
}

// Validate implements record.Validator.
func (Validator) Validate(key string, value []byte) error {
	ns, _, err := record.SplitKey(key)
	if err != nil {
		return err
	} else if ns != storeNamespace {
		return fmt.Errorf("unexpected namespace %q", ns)
	}
	_, err = decodeRecord(value)
	return err
}

// Select implements record.Validator. Ties are broken by comparing values so
// every peer selects the same record.
func (Validator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestRecord storeRecord
	for i, v := range values {
		r, err := decodeRecord(v)
		if err != nil {
			continue
		}
		if best == -1 || r.Revision > bestRecord.Revision || (r.Revision == bestRecord.Revision && bytes.Compare(r.Value, bestRecord.Value) > 0) {
			best, bestRecord = i, r
		}
	}
	if best == -1 {
		return 0, errors.New("no valid records")
	}
	return best, nil
}

// A Store is a mutable key/value store backed by the DHT. Later puts for a
// key replace earlier ones.
type Store struct {
	dht *dht.IpfsDHT
	log *zap.Logger
}

var _ raids.Store = (*Store)(nil)

func dhtKey(key string) string {
	return "/" + storeNamespace + "/" + key
}

// Get implements raids.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	buf, err := s.dht.GetValue(ctx, dhtKey(key))
	if errors.Is(err, routing.ErrNotFound) || errors.Is(err, kb.ErrLookupFailure) {
		return nil, raids.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	r, err := decodeRecord(buf)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

// Put implements raids.Store. A put is stored locally even when no peers are
// reachable.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	buf, err := json.Marshal(storeRecord{
		Revision: time.Now().UnixNano(),
		Value:    value,
	})
	if err != nil {
		return err
	}

	err = s.dht.PutValue(ctx, dhtKey(key), buf)
	if errors.Is(err, kb.ErrLookupFailure) {
		s.log.Debug("no peers to replicate record", zap.String("key", key))
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}
