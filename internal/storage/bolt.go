package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	logx "stationdb/pkg/logx"

	bolt "go.etcd.io/bbolt"
)

const (
	boltFileName   = "database.bolt"
	boltBucketName = "stationdb"
	boltKeyPayload = "snapshot"
	boltKeySum     = "checksum"
	boltKeySavedAt = "saved_at"
)

type boltStore struct {
	db  *bolt.DB
	log logx.Logger
}

func openBolt(dir string, log logx.Logger) (Backend, error) {
	options := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(filepath.Join(dir, boltFileName), 0o600, options)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) ReadSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, ErrDisabled
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucketName))
		if b == nil {
			return ErrNotFound
		}
		payload := b.Get([]byte(boltKeyPayload))
		if payload == nil {
			return ErrNotFound
		}
		sum := b.Get([]byte(boltKeySum))
		if len(sum) != 8 || binary.BigEndian.Uint64(sum) != checksum(payload) {
			return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
		}
		// Values are only valid inside the transaction.
		out = append([]byte(nil), payload...)
		return nil
	})
	return out, err
}

func (s *boltStore) WriteSnapshot(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db == nil {
		return ErrDisabled
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(boltBucketName))
		if err != nil {
			return err
		}
		var sum [8]byte
		binary.BigEndian.PutUint64(sum[:], checksum(payload))
		if err := b.Put([]byte(boltKeyPayload), payload); err != nil {
			return err
		}
		if err := b.Put([]byte(boltKeySum), sum[:]); err != nil {
			return err
		}
		return b.Put([]byte(boltKeySavedAt), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *boltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
