package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const bucketApprovals = "approvals"

// BoltLedger stores entries in a bbolt file, one nested bucket per user.
// Keys are UUIDv7 so cursor order is time order.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens or creates the ledger at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketApprovals))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit db: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

// Close closes the underlying file.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// Record implements Recorder.
func (l *BoltLedger) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		user, err := tx.Bucket([]byte(bucketApprovals)).CreateBucketIfNotExists([]byte(userKey(e.UserID)))
		if err != nil {
			return err
		}
		return user.Put([]byte(e.ID), data)
	})
}

// List returns the newest entries of userID first.
func (l *BoltLedger) List(_ context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]Entry, 0)
	err := l.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket([]byte(bucketApprovals)).Bucket([]byte(userKey(userID)))
		if user == nil {
			return nil
		}
		c := user.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode audit entry %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func userKey(userID string) string {
	if userID == "" {
		return "_anonymous"
	}
	return userID
}
