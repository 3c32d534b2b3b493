package rise

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var outboundBucket = []byte("outbound")

// BoltQueueStore is a QueueStore kept in a single bbolt file. Keys are
// big-endian sequence numbers, so cursor order is enqueue order.
type BoltQueueStore struct {
	db *bolt.DB
}

var _ QueueStore = (*BoltQueueStore)(nil)

// OpenBoltQueueStore opens or creates the queue file at path.
func OpenBoltQueueStore(path string) (*BoltQueueStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboundBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltQueueStore{db: db}, nil
}

// Close releases the file lock.
func (s *BoltQueueStore) Close() error {
	return s.db.Close()
}

func (s *BoltQueueStore) Append(_ context.Context, action *QueuedAction) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboundBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cp := *action
		cp.ID = seq
		enc, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		id = seq
		return b.Put(itob(seq), enc)
	})
	return id, err
}

func (s *BoltQueueStore) ReadAll(context.Context) ([]*QueuedAction, error) {
	var out []*QueuedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).ForEach(func(k, v []byte) error {
			var a QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode action %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltQueueStore) Remove(_ context.Context, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).Delete(itob(id))
	})
}

func (s *BoltQueueStore) UpdateAttempts(_ context.Context, id uint64, attempts int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboundBucket)
		v := b.Get(itob(id))
		if v == nil {
			return nil
		}
		var a QueuedAction
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		a.AttemptCount = attempts
		enc, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put(itob(id), enc)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
