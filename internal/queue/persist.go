package queue

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/brunodmt/msgflow/internal/model"
)

// The full pending-item list is serialized under one well-known key on every
// mutation and reloaded at process start.
var (
	queueBucket = []byte("offline_queue")
	pendingKey  = []byte("pending")
)

// schemaVersion tags the persisted blob so future field changes can be
// migrated instead of misread.
const schemaVersion = 1

type envelope struct {
	Version int                     `json:"version"`
	Items   []*model.PendingMessage `json:"items"`
}

func (q *Queue) persist() error {
	blob, err := json.Marshal(envelope{Version: schemaVersion, Items: q.items})
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(queueBucket)
		if err != nil {
			return err
		}
		return b.Put(pendingKey, blob)
	})
}

func (q *Queue) load() ([]*model.PendingMessage, error) {
	var blob []byte
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(pendingKey); v != nil {
			blob = append(blob, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if env.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported queue schema version %d", env.Version)
	}
	return env.Items, nil
}
